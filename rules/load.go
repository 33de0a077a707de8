package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/migadu/sift/logger"
)

// Format is a rule file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported rule file extension: %q", filepath.Ext(path))
}

// Decode reads a rule set in the given format and validates it.
func Decode(r io.Reader, format Format) (*RuleSet, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	var rs RuleSet
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(content), &rs)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML rules: %w", err)
		}
		for _, key := range md.Undecoded() {
			logger.Warn("Rules: unknown key ignored", "key", key.String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&rs); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rs); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule format %q", format)
	}

	trimRules(&rs)
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadFile reads and validates one rule file.
func LoadFile(path string) (*RuleSet, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rs, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// LoadFiles concatenates the rule sets of several files, in order. Rule
// names must be unique across all of them.
func LoadFiles(paths []string) (*RuleSet, error) {
	all := &RuleSet{}
	for _, path := range paths {
		rs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		all.Rules = append(all.Rules, rs.Rules...)
		logger.Info("Rules: loaded rule file", "path", path, "rules", len(rs.Rules))
	}
	if err := all.Validate(); err != nil {
		return nil, err
	}
	return all, nil
}

// Encode writes the rule set in the given format.
func Encode(w io.Writer, rs *RuleSet, format Format) error {
	switch format {
	case FormatTOML:
		return toml.NewEncoder(w).Encode(rs)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rs); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rs)
	}
	return fmt.Errorf("unsupported rule format %q", format)
}

func trimRules(rs *RuleSet) {
	for i := range rs.Rules {
		r := &rs.Rules[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Grouping = Grouping(strings.ToLower(strings.TrimSpace(string(r.Grouping))))
		r.Source = strings.TrimSpace(r.Source)
		for j := range r.Parts {
			r.Parts[j].Field = strings.ToLower(strings.TrimSpace(r.Parts[j].Field))
			r.Parts[j].Op = strings.ToLower(strings.TrimSpace(r.Parts[j].Op))
		}
		for j := range r.Actions {
			r.Actions[j].Type = strings.ToLower(strings.TrimSpace(r.Actions[j].Type))
		}
	}
}
