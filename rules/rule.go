// Package rules holds user filter rule definitions and turns them into
// expression text for the filter driver.
package rules

import (
	"fmt"
	"strings"

	"github.com/migadu/sift/consts"
)

// Grouping decides how the parts of a rule combine.
type Grouping string

const (
	GroupAll Grouping = "all"
	GroupAny Grouping = "any"
)

// Part is one condition of a rule.
type Part struct {
	Field string `toml:"field" yaml:"field" json:"field"`
	Op    string `toml:"op" yaml:"op" json:"op"`
	// Header names the header for the "header" field and the tag for
	// "user-tag".
	Header string   `toml:"header" yaml:"header,omitempty" json:"header,omitempty"`
	Values []string `toml:"values" yaml:"values,omitempty" json:"values,omitempty"`
}

// Action is one step applied to a matching message.
type Action struct {
	Type string   `toml:"type" yaml:"type" json:"type"`
	Args []string `toml:"args" yaml:"args,omitempty" json:"args,omitempty"`
}

// Rule pairs a predicate with the actions run when it holds. Expression and
// ActionExpression, when set, are used as is instead of generated code.
// Sieve rules carry a script and nothing else.
type Rule struct {
	Name             string   `toml:"name" yaml:"name" json:"name"`
	Disabled         bool     `toml:"disabled" yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Grouping         Grouping `toml:"grouping" yaml:"grouping,omitempty" json:"grouping,omitempty"`
	Source           string   `toml:"source" yaml:"source,omitempty" json:"source,omitempty"`
	Parts            []Part   `toml:"part" yaml:"parts,omitempty" json:"parts,omitempty"`
	Actions          []Action `toml:"action" yaml:"actions,omitempty" json:"actions,omitempty"`
	Expression       string   `toml:"expression" yaml:"expression,omitempty" json:"expression,omitempty"`
	ActionExpression string   `toml:"action_expression" yaml:"action_expression,omitempty" json:"action_expression,omitempty"`
	Sieve            string   `toml:"sieve" yaml:"sieve,omitempty" json:"sieve,omitempty"`
}

// RuleSet is an ordered list of rules as stored in a rule file.
type RuleSet struct {
	Rules []Rule `toml:"rule" yaml:"rules" json:"rules"`
}

// IsSieve reports whether the rule is a sieve script.
func (r *Rule) IsSieve() bool {
	return strings.TrimSpace(r.Sieve) != ""
}

// Validate checks that the rule can be turned into code.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule name is required", consts.ErrRuleInvalid)
	}
	switch r.Grouping {
	case "", GroupAll, GroupAny:
	default:
		return fmt.Errorf("%w: rule %q: unknown grouping %q", consts.ErrRuleInvalid, r.Name, r.Grouping)
	}
	if r.IsSieve() {
		if len(r.Parts) > 0 || len(r.Actions) > 0 || r.Expression != "" || r.ActionExpression != "" {
			return fmt.Errorf("%w: rule %q: sieve rules cannot have parts, actions or expressions", consts.ErrRuleInvalid, r.Name)
		}
		return nil
	}
	if r.Expression == "" {
		for i := range r.Parts {
			if _, err := r.Parts[i].code(); err != nil {
				return fmt.Errorf("%w: rule %q: part %d: %v", consts.ErrRuleInvalid, r.Name, i+1, err)
			}
		}
	}
	if r.ActionExpression == "" {
		if len(r.Actions) == 0 {
			return fmt.Errorf("%w: rule %q: no actions", consts.ErrRuleInvalid, r.Name)
		}
		for i := range r.Actions {
			if _, err := r.Actions[i].code(); err != nil {
				return fmt.Errorf("%w: rule %q: action %d: %v", consts.ErrRuleInvalid, r.Name, i+1, err)
			}
		}
	}
	return nil
}

// Validate checks every rule and rejects duplicate names.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		if err := rs.Rules[i].Validate(); err != nil {
			return err
		}
		key := strings.ToLower(rs.Rules[i].Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate rule name %q", consts.ErrRuleInvalid, rs.Rules[i].Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Find returns the rule with the given name, case-insensitively.
func (rs *RuleSet) Find(name string) (*Rule, error) {
	for i := range rs.Rules {
		if strings.EqualFold(rs.Rules[i].Name, name) {
			return &rs.Rules[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", consts.ErrRuleNotFound, name)
}

// Enabled returns the rules that are not disabled, in order.
func (rs *RuleSet) Enabled() []Rule {
	out := make([]Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}
