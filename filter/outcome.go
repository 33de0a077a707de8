package filter

import (
	"errors"
	"slices"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sift/sexp"
)

// Stages at which a rule can fail.
const (
	StageBuild    = "build"
	StageParse    = "parse"
	StageEvaluate = "evaluate"
	StageAction   = "action"
	StageSieve    = "sieve"
	StageForward  = "forward"
)

// RuleError records a rule that could not be applied.
type RuleError struct {
	Rule  string `json:"rule"`
	Stage string `json:"stage"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func newRuleError(rule, stage string, err error) RuleError {
	kind := "runtime"
	var se *sexp.Error
	if errors.As(err, &se) {
		kind = se.Kind.String()
	}
	return RuleError{Rule: rule, Stage: stage, Kind: kind, Error: err.Error()}
}

// Outcome is what filtering decided for one message. Nothing in it has
// been applied to a mailbox yet.
type Outcome struct {
	UID string `json:"uid"`
	// Folders lists every folder the message should end up in besides its
	// current one: copies in order, then the move target.
	Folders []string `json:"folders,omitempty"`
	// Moved means the message leaves its current folder.
	Moved   bool `json:"moved"`
	Deleted bool `json:"deleted"`
	// Flags maps a system flag to true (set) or false (cleared).
	Flags     map[imap.Flag]bool `json:"flags,omitempty"`
	UserFlags map[string]bool    `json:"user_flags,omitempty"`
	Tags      map[string]string  `json:"tags,omitempty"`
	Score     int64              `json:"score"`
	ScoreSet  bool               `json:"score_set"`
	Forwards  []string           `json:"forwards,omitempty"`
	Stopped   bool               `json:"stopped"`
	// Matched lists the names of the rules whose actions ran.
	Matched []string    `json:"matched,omitempty"`
	Errors  []RuleError `json:"errors,omitempty"`
}

func newOutcome(m *Message) *Outcome {
	return &Outcome{
		UID:       m.UID,
		Flags:     make(map[imap.Flag]bool),
		UserFlags: make(map[string]bool),
		Tags:      make(map[string]string),
		Score:     m.Score,
	}
}

// Changed reports whether applying the outcome would alter anything.
func (o *Outcome) Changed() bool {
	return len(o.Folders) > 0 || o.Deleted || len(o.Flags) > 0 || len(o.UserFlags) > 0 ||
		len(o.Tags) > 0 || o.ScoreSet || len(o.Forwards) > 0
}

func (o *Outcome) addFolder(folder string) {
	if slices.Contains(o.Folders, folder) {
		return
	}
	if o.Moved {
		o.Folders = slices.Insert(o.Folders, len(o.Folders)-1, folder)
		return
	}
	o.Folders = append(o.Folders, folder)
}

func (o *Outcome) moveTo(folder string) {
	if o.Moved {
		o.Folders = o.Folders[:len(o.Folders)-1]
	}
	o.Folders = slices.DeleteFunc(o.Folders, func(f string) bool { return f == folder })
	o.Folders = append(o.Folders, folder)
	o.Moved = true
}

func (o *Outcome) addForward(addr string) {
	if !slices.Contains(o.Forwards, addr) {
		o.Forwards = append(o.Forwards, addr)
	}
}
