package filter

import (
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/helpers"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/sexp"
)

// actionContext is what the action functions mutate. The message is the
// driver's working copy so later rules see earlier changes.
type actionContext struct {
	msg     *Message
	outcome *Outcome
}

type actionFunc func(c *actionContext, args []sexp.Value) error

// action checks the argument kinds of an action and counts it.
func action(name string, kinds []sexp.ValueKind, fn actionFunc) sexp.Func {
	return func(_ *sexp.Session, args []sexp.Value, data any) (sexp.Value, error) {
		if len(args) != len(kinds) {
			return sexp.Value{}, sexp.ArityErrorf("%s: expects %d argument(s), got %d", name, len(kinds), len(args))
		}
		for i, k := range kinds {
			if args[i].Kind != k {
				return sexp.Value{}, sexp.TypeErrorf("%s: argument %d must be %s, got %s", name, i+1, k, args[i].Kind)
			}
		}
		c := data.(*actionContext)
		if c.msg == nil {
			return sexp.Value{}, sexp.Abortf("%s: no current message", name)
		}
		if err := fn(c, args); err != nil {
			return sexp.Value{}, err
		}
		metrics.ActionsApplied.WithLabelValues(name).Inc()
		return sexp.BoolValue(true), nil
	}
}

var (
	noArgs    = []sexp.ValueKind{}
	oneString = []sexp.ValueKind{sexp.String}
	twoString = []sexp.ValueKind{sexp.String, sexp.String}
	oneInt    = []sexp.ValueKind{sexp.Int}
)

// registerActions installs the action vocabulary in scope.
func registerActions(s *sexp.Session, scope int, c *actionContext) {
	s.AddFunction(scope, "move-to", action("move-to", oneString, moveTo), c)
	s.AddFunction(scope, "copy-to", action("copy-to", oneString, copyTo), c)
	s.AddFunction(scope, "delete", action("delete", noArgs, deleteMessage), c)
	s.AddFunction(scope, "stop", action("stop", noArgs, stop), c)
	s.AddFunction(scope, "set-system-flag", action("set-system-flag", oneString, setSystemFlag(true)), c)
	s.AddFunction(scope, "unset-system-flag", action("unset-system-flag", oneString, setSystemFlag(false)), c)
	s.AddFunction(scope, "set-user-flag", action("set-user-flag", oneString, setUserFlag(true)), c)
	s.AddFunction(scope, "unset-user-flag", action("unset-user-flag", oneString, setUserFlag(false)), c)
	s.AddFunction(scope, "set-score", action("set-score", oneInt, setScore), c)
	s.AddFunction(scope, "adjust-score", action("adjust-score", oneInt, adjustScore), c)
	s.AddFunction(scope, "set-color", action("set-color", oneString, setTagNamed("color")), c)
	s.AddFunction(scope, "set-label", action("set-label", oneString, setTagNamed("label")), c)
	s.AddFunction(scope, "set-tag", action("set-tag", twoString, setTag), c)
	s.AddFunction(scope, "forward-to", action("forward-to", oneString, forwardTo), c)
}

func folderArg(name string, v sexp.Value) (string, error) {
	folder := strings.Trim(strings.TrimSpace(v.Str()), string(consts.FolderDelimiter))
	if folder == "" {
		return "", sexp.Abortf("%s: empty folder name", name)
	}
	if strings.EqualFold(folder, consts.DefaultFolder) {
		folder = consts.DefaultFolder
	}
	return helpers.SanitizeUTF8(folder), nil
}

func moveTo(c *actionContext, args []sexp.Value) error {
	folder, err := folderArg("move-to", args[0])
	if err != nil {
		return err
	}
	c.outcome.moveTo(folder)
	return nil
}

func copyTo(c *actionContext, args []sexp.Value) error {
	folder, err := folderArg("copy-to", args[0])
	if err != nil {
		return err
	}
	c.outcome.addFolder(folder)
	return nil
}

func deleteMessage(c *actionContext, _ []sexp.Value) error {
	c.outcome.Deleted = true
	c.outcome.Flags[imap.FlagDeleted] = true
	addFlag(c.msg, imap.FlagDeleted)
	return nil
}

func stop(c *actionContext, _ []sexp.Value) error {
	c.outcome.Stopped = true
	return nil
}

func setSystemFlag(set bool) actionFunc {
	return func(c *actionContext, args []sexp.Value) error {
		flag, ok := SystemFlag(args[0].Str())
		if !ok {
			return sexp.Abortf("unknown system flag %q", args[0].Str())
		}
		c.outcome.Flags[flag] = set
		if set {
			addFlag(c.msg, flag)
		} else {
			c.msg.Flags = slices.DeleteFunc(c.msg.Flags, func(f imap.Flag) bool { return strings.EqualFold(string(f), string(flag)) })
		}
		return nil
	}
}

func addFlag(m *Message, flag imap.Flag) {
	if !m.HasFlag(flag) {
		m.Flags = append(m.Flags, flag)
	}
}

func setUserFlag(set bool) actionFunc {
	return func(c *actionContext, args []sexp.Value) error {
		name := strings.TrimSpace(args[0].Str())
		if sanitized := helpers.SanitizeFlags([]imap.Flag{imap.Flag(name)}); len(sanitized) == 0 {
			return sexp.Abortf("invalid user flag %q", args[0].Str())
		}
		c.outcome.UserFlags[name] = set
		if set && !c.msg.HasUserFlag(name) {
			c.msg.UserFlags = append(c.msg.UserFlags, name)
		} else if !set {
			c.msg.UserFlags = slices.DeleteFunc(c.msg.UserFlags, func(f string) bool { return strings.EqualFold(f, name) })
		}
		return nil
	}
}

func setScore(c *actionContext, args []sexp.Value) error {
	c.msg.Score = args[0].Int()
	c.outcome.Score = c.msg.Score
	c.outcome.ScoreSet = true
	return nil
}

func adjustScore(c *actionContext, args []sexp.Value) error {
	c.msg.Score += args[0].Int()
	c.outcome.Score = c.msg.Score
	c.outcome.ScoreSet = true
	return nil
}

func setTagNamed(tag string) actionFunc {
	return func(c *actionContext, args []sexp.Value) error {
		c.msg.Tags[tag] = args[0].Str()
		c.outcome.Tags[tag] = args[0].Str()
		return nil
	}
}

func setTag(c *actionContext, args []sexp.Value) error {
	name := strings.TrimSpace(args[0].Str())
	if name == "" {
		return sexp.Abortf("set-tag: empty tag name")
	}
	c.msg.Tags[name] = args[1].Str()
	c.outcome.Tags[name] = args[1].Str()
	return nil
}

func forwardTo(c *actionContext, args []sexp.Value) error {
	addr, err := helpers.NormalizeAddress(args[0].Str())
	if err != nil {
		return sexp.Abortf("forward-to: %v", err)
	}
	c.outcome.addForward(addr)
	return nil
}
