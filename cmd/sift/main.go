package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/relay"
	"github.com/migadu/sift/rules"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	switch command {
	case "eval":
		handleEval()
	case "check":
		handleCheck()
	case "filter":
		handleFilter(ctx)
	case "import":
		handleImport(ctx)
	case "search":
		handleSearch(ctx)
	case "refilter":
		handleRefilter(ctx)
	case "runs":
		handleRuns(ctx)
	case "expunge":
		handleExpunge(ctx)
	case "serve":
		os.Exit(handleServe(ctx))
	case "migrate":
		handleMigrateCommand()
	case "version", "--version", "-v":
		fmt.Printf("sift version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Sift mail filtering engine

Usage:
  sift <command> [options]

Commands:
  eval       Evaluate an expression, optionally against a message
  check      Validate rule files and report broken rules
  filter     Show what the rules would do to a message (dry run)
  import     Store messages and filter them
  search     Search a stored folder with an expression
  refilter   Run the rules again over a stored folder
  runs       Show recorded filter runs for a message
  expunge    Remove deleted messages from a folder
  serve      Run the HTTP API
  migrate    Manage the store schema
  version    Show version information
  help       Show this help message

Examples:
  sift eval '(+ 1 2)'
  sift eval --message mail.eml '(header-contains "Subject" "invoice")'
  sift check --rules rules.toml
  sift filter --config config.toml < mail.eml
  sift import --folder INBOX mail1.eml mail2.eml
  sift search --folder INBOX '(match-all (user-flag "work"))'
  sift serve --config config.toml

Use 'sift <command> --help' for more information about a command.
`)
}

// commonFlags registers the flags shared by every command that loads
// configuration.
type commonFlags struct {
	configPath *string
	rulesPaths *string
	logLevel   *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		rulesPaths: fs.String("rules", "", "Comma separated rule files (overrides config)"),
		logLevel:   fs.String("log-level", "", "Log level (overrides config)"),
	}
}

// load reads the configuration and sets up logging. A missing default
// config file falls back to built-in defaults.
func (c commonFlags) load() config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*c.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || *c.configPath != "config.toml" {
			fmt.Fprintf(os.Stderr, "Error loading configuration file '%s': %v\n", *c.configPath, err)
			os.Exit(2)
		}
	}
	if *c.rulesPaths != "" {
		cfg.Rules.Files = splitList(*c.rulesPaths)
	}
	if *c.logLevel != "" {
		cfg.Logging.Level = *c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// loadRules reads the configured rule files. No files gives an empty set.
func loadRules(cfg config.Config) (*rules.RuleSet, error) {
	if len(cfg.Rules.Files) == 0 {
		return &rules.RuleSet{}, nil
	}
	return rules.LoadFiles(cfg.Rules.Files)
}

// newRelay returns the configured SMTP relay, or nil when forwarding is
// not configured.
func newRelay(cfg config.Config) (*relay.SMTPRelay, error) {
	if !cfg.Relay.IsConfigured() {
		return nil, nil
	}
	return relay.New(cfg.Relay)
}

// newDriver builds a driver for cfg. Forward actions go through r when it
// is not nil.
func newDriver(cfg config.Config, r *relay.SMTPRelay) (*filter.Driver, error) {
	rs, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}
	var opts []filter.Option
	if r != nil {
		opts = append(opts, filter.WithForwarder(r))
	}
	return filter.NewDriver(rs, cfg.Filter, opts...), nil
}
