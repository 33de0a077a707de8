package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/server/delivery"
	"github.com/migadu/sift/store"
)

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readInput reads path, or stdin when path is empty or "-".
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Fatalf("Failed to encode output: %v", err)
	}
}

// openDeliverer builds the driver and store for commands that work on
// stored messages.
func openDeliverer(ctx context.Context, cfg config.Config) (*delivery.Deliverer, func()) {
	r, err := newRelay(cfg)
	if err != nil {
		logger.Fatalf("Failed to configure relay: %v", err)
	}
	d, err := newDriver(cfg, r)
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		d.Close()
		logger.Fatalf("Failed to open store: %v", err)
	}
	dl, err := delivery.New(st, d, cfg.Filter)
	if err != nil {
		st.Close()
		d.Close()
		logger.Fatalf("Failed to create deliverer: %v", err)
	}
	return dl, func() {
		dl.Close()
		st.Close()
	}
}

func handleEval() {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	common := addCommonFlags(fs)
	messagePath := fs.String("message", "", "Message file to evaluate against (- for stdin)")
	folder := fs.String("folder", "", "Folder the message is considered to be in")
	fs.Usage = func() {
		fmt.Println("Usage: sift eval [--message mail.eml] [--folder INBOX] <expression>")
		fmt.Println("Evaluates an expression in the search scope and prints its value.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	cfg := common.load()

	var msg *filter.Message
	if *messagePath != "" {
		raw, err := readInput(*messagePath)
		if err != nil {
			logger.Fatalf("Failed to read message: %v", err)
		}
		if msg, err = filter.ParseMessage(raw, *folder); err != nil {
			logger.Fatalf("Failed to parse message: %v", err)
		}
	}

	d := filter.NewDriver(nil, cfg.Filter)
	defer d.Close()
	v, err := d.Evaluate(fs.Arg(0), msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", v.Kind, v)
}

func handleCheck() {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: sift check [--config config.toml] [--rules a.toml,b.yaml]")
		fmt.Println("Parses every rule and reports the ones that cannot run.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	cfg := common.load()

	rs, err := loadRules(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rules: %v\n", err)
		os.Exit(1)
	}
	d := filter.NewDriver(rs, cfg.Filter)
	defer d.Close()

	errs := d.Check()
	for _, e := range errs {
		fmt.Printf("%s: %s %s error: %s\n", e.Rule, e.Stage, e.Kind, e.Error)
	}
	fmt.Printf("%d rule(s), %d broken\n", len(d.Rules()), len(errs))
	if len(errs) > 0 {
		os.Exit(1)
	}
}

func handleFilter(ctx context.Context) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	common := addCommonFlags(fs)
	folder := fs.String("folder", "", "Folder the message is delivered to")
	fs.Usage = func() {
		fmt.Println("Usage: sift filter [--config config.toml] [--folder INBOX] [mail.eml]")
		fmt.Println("Runs the rules over one message and prints the outcome. Nothing is stored or forwarded.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	cfg := common.load()

	raw, err := readInput(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Failed to read message: %v", err)
	}
	rs, err := loadRules(cfg)
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	// No forwarder: a dry run never sends mail.
	d := filter.NewDriver(rs, cfg.Filter)
	defer d.Close()

	dl, err := delivery.New(nil, d, cfg.Filter)
	if err != nil {
		logger.Fatalf("Failed to create deliverer: %v", err)
	}
	res, err := dl.Deliver(ctx, raw, delivery.Options{Folder: *folder, Source: "cli", DryRun: true})
	if err != nil {
		logger.Fatalf("Filter failed: %v", err)
	}
	printJSON(res)
}

func handleImport(ctx context.Context) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	common := addCommonFlags(fs)
	folder := fs.String("folder", "", "Folder to deliver into")
	fs.Usage = func() {
		fmt.Println("Usage: sift import [--config config.toml] [--folder INBOX] <mail.eml>...")
		fmt.Println("Stores each message, filters it and applies the outcome.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	cfg := common.load()

	dl, closeAll := openDeliverer(ctx, cfg)
	defer closeAll()

	failed := 0
	for _, path := range fs.Args() {
		raw, err := readInput(path)
		if err != nil {
			logger.Error("Failed to read message", "path", path, "error", err)
			failed++
			continue
		}
		res, err := dl.Deliver(ctx, raw, delivery.Options{Folder: *folder, Source: "import"})
		if err != nil {
			logger.Error("Failed to import message", "path", path, "error", err)
			failed++
			continue
		}
		fmt.Printf("%s -> %s uid=%s", path, res.Folder, res.UID)
		if len(res.Copies) > 0 {
			fmt.Printf(" copies=%s", strings.Join(res.Copies, ","))
		}
		if res.Skipped {
			fmt.Print(" (not filtered: too large)")
		}
		fmt.Println()
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d message(s) failed\n", failed, fs.NArg())
		os.Exit(1)
	}
}

func handleSearch(ctx context.Context) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	common := addCommonFlags(fs)
	folder := fs.String("folder", "INBOX", "Folder to search")
	fs.Usage = func() {
		fmt.Println("Usage: sift search [--config config.toml] [--folder INBOX] <expression>")
		fmt.Println("Prints the uid of every message in the folder the expression selects.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	cfg := common.load()

	dl, closeAll := openDeliverer(ctx, cfg)
	defer closeAll()

	uids, err := dl.Search(ctx, *folder, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, uid := range uids {
		fmt.Println(uid)
	}
}

func handleRefilter(ctx context.Context) {
	fs := flag.NewFlagSet("refilter", flag.ExitOnError)
	common := addCommonFlags(fs)
	folder := fs.String("folder", "INBOX", "Folder to filter again")
	fs.Usage = func() {
		fmt.Println("Usage: sift refilter [--config config.toml] [--folder INBOX]")
		fmt.Println("Runs the current rules over every message in a folder.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	cfg := common.load()

	dl, closeAll := openDeliverer(ctx, cfg)
	defer closeAll()

	results, err := dl.Refilter(ctx, *folder)
	if err != nil {
		logger.Fatalf("Refilter failed: %v", err)
	}
	moved := 0
	for _, res := range results {
		if res.Folder != *folder {
			moved++
		}
	}
	fmt.Printf("Filtered %d message(s) in %s, %d moved\n", len(results), *folder, moved)
}

func handleRuns(ctx context.Context) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 10, "Maximum number of runs to show")
	fs.Usage = func() {
		fmt.Println("Usage: sift runs [--config config.toml] [--limit 10] <uid>")
		fmt.Println("Shows recorded filter runs for a message, newest first.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	cfg := common.load()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	runs, err := st.Runs(ctx, fs.Arg(0), *limit)
	if err != nil {
		logger.Fatalf("Failed to list runs: %v", err)
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  matched=%s errors=%d\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.ID,
			strings.Join(r.Matched, ","), r.Errors)
	}
}

func handleExpunge(ctx context.Context) {
	fs := flag.NewFlagSet("expunge", flag.ExitOnError)
	common := addCommonFlags(fs)
	folder := fs.String("folder", "INBOX", "Folder to expunge")
	fs.Usage = func() {
		fmt.Println("Usage: sift expunge [--config config.toml] [--folder INBOX]")
		fmt.Println("Permanently removes messages marked deleted.")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	cfg := common.load()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	n, err := st.Expunge(ctx, *folder)
	if err != nil {
		logger.Fatalf("Expunge failed: %v", err)
	}
	fmt.Printf("Expunged %d message(s) from %s\n", n, *folder)
}
