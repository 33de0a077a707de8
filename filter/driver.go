package filter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/sexp"
)

// Forwarder sends a copy of a raw message to an address.
type Forwarder interface {
	Forward(ctx context.Context, to string, raw []byte) error
}

// compiledRule is a rule with its code generated up front.
type compiledRule struct {
	name   string
	code   string
	action string
	sieve  *SieveRule
	// err is a build failure, reported each time the rule is reached.
	err error
}

// Driver runs rule sets against messages. It owns one expression session
// and serializes access to it.
type Driver struct {
	mu      sync.Mutex
	session *sexp.Session
	search  *searchContext
	act     *actionContext

	rules     []compiledRule
	forwarder Forwarder
	timeout   time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithForwarder makes the driver send forward-to and redirect copies.
func WithForwarder(f Forwarder) Option {
	return func(d *Driver) { d.forwarder = f }
}

// WithClock replaces the time source of get-current-date.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.search.now = now }
}

// NewDriver compiles the enabled rules of rs. Rules that fail to compile
// are kept and reported as errors whenever a message reaches them.
func NewDriver(rs *rules.RuleSet, cfg config.FilterConfig, opts ...Option) *Driver {
	timeout, err := cfg.GetEvaluationTimeout()
	if err != nil {
		logger.Warn("Filter: invalid evaluation timeout, using default", "error", err)
		timeout = 10 * time.Second
	}
	d := &Driver{
		session: sexp.New(),
		search:  newSearchContext(nil),
		act:     &actionContext{},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	registerSearch(d.session, ScopeSearch, d.search)
	d.session.AddImmediateFunction(ScopeSearch, "match-all", matchAll, d.search)

	d.session.RegisterBuiltins(ScopeAction)
	registerSearch(d.session, ScopeAction, d.search)
	registerActions(d.session, ScopeAction, d.act)

	extensions := cfg.SieveExtensions
	if len(extensions) == 0 {
		extensions = nil
	}
	if rs != nil {
		for _, r := range rs.Enabled() {
			d.rules = append(d.rules, compileRule(&r, extensions))
		}
	}
	return d
}

func compileRule(r *rules.Rule, extensions []string) compiledRule {
	cr := compiledRule{name: r.Name}
	if r.IsSieve() {
		cr.sieve, cr.err = CompileSieve(r.Sieve, extensions)
	} else if cr.code, cr.err = r.BuildCode(); cr.err == nil {
		cr.action, cr.err = r.BuildAction()
	}
	if cr.err != nil {
		logger.Warn("Filter: rule does not compile", "rule", r.Name, "error", cr.err)
	}
	return cr
}

// Rules returns the names of the active rules in evaluation order.
func (d *Driver) Rules() []string {
	names := make([]string, len(d.rules))
	for i, r := range d.rules {
		names[i] = r.name
	}
	return names
}

// Filter walks the rules in order against msg. Failing rules are recorded
// in the outcome and skipped. The returned error is only set when ctx ends
// the walk early, in which case the partial outcome is still returned.
func (d *Driver) Filter(ctx context.Context, msg *Message) (*Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	work := msg.Clone()
	out := newOutcome(msg)
	defer func() {
		d.search.current = nil
		d.act.msg, d.act.outcome = nil, nil
	}()

	var err error
	for i := range d.rules {
		if err = ctx.Err(); err != nil {
			logger.WarnContext(ctx, "Filter: stopped before all rules ran", "uid", msg.UID, "error", err)
			break
		}
		d.runRule(ctx, &d.rules[i], work, out)
		if out.Stopped {
			break
		}
	}

	if err == nil {
		d.forward(ctx, msg, out)
	}

	status := "unmatched"
	switch {
	case len(out.Errors) > 0:
		status = "error"
	case len(out.Matched) > 0:
		status = "matched"
	}
	metrics.MessagesFiltered.WithLabelValues(status).Inc()
	metrics.FilterDuration.Observe(time.Since(start).Seconds())
	logger.Debug("Filter: message filtered", "uid", msg.UID, "matched", out.Matched, "errors", len(out.Errors))
	return out, err
}

func (d *Driver) runRule(ctx context.Context, r *compiledRule, work *Message, out *Outcome) {
	if r.err != nil {
		stage := StageBuild
		if r.sieve == nil && errors.Is(r.err, consts.ErrSieveInvalid) {
			stage = StageSieve
		}
		d.fail(out, r.name, stage, r.err)
		metrics.RuleEvaluations.WithLabelValues("skipped").Inc()
		return
	}

	if r.sieve != nil {
		start := time.Now()
		err := r.sieve.Run(ctx, work, out)
		metrics.EvaluationDuration.WithLabelValues("sieve").Observe(time.Since(start).Seconds())
		if err != nil {
			d.fail(out, r.name, StageSieve, err)
			metrics.RuleEvaluations.WithLabelValues("error").Inc()
			return
		}
		out.Matched = append(out.Matched, r.name)
		metrics.RuleEvaluations.WithLabelValues("matched").Inc()
		return
	}

	d.search.current = work
	v, stage, err := d.eval(ScopeSearch, r.code)
	if err != nil {
		d.fail(out, r.name, stage, err)
		metrics.RuleEvaluations.WithLabelValues("error").Inc()
		return
	}
	if !v.IsTrue() {
		metrics.RuleEvaluations.WithLabelValues("unmatched").Inc()
		return
	}
	metrics.RuleEvaluations.WithLabelValues("matched").Inc()

	// Actions run on a scratch outcome so a failing action leaves nothing
	// half applied.
	scratch := *out
	scratch.Folders = append([]string(nil), out.Folders...)
	scratch.Forwards = append([]string(nil), out.Forwards...)
	scratch.Flags = cloneMap(out.Flags)
	scratch.UserFlags = cloneMap(out.UserFlags)
	scratch.Tags = cloneMap(out.Tags)
	before := work.Clone()

	d.act.msg, d.act.outcome = work, &scratch
	_, stage, err = d.eval(ScopeAction, r.action)
	d.act.msg, d.act.outcome = nil, nil
	if err != nil {
		if stage == StageEvaluate {
			stage = StageAction
		}
		*work = *before
		d.fail(out, r.name, stage, err)
		return
	}
	scratch.Matched = append(scratch.Matched, r.name)
	*out = scratch
}

// eval parses and evaluates code in scope and restores the previous scope.
func (d *Driver) eval(scope int, code string) (sexp.Value, string, error) {
	prev := d.session.SetScope(scope)
	defer d.session.SetScope(prev)

	d.session.SetInput(code)
	if err := d.session.Parse(); err != nil {
		return sexp.Value{}, StageParse, err
	}
	start := time.Now()
	v, err := d.session.Evaluate()
	label := "search"
	if scope == ScopeAction {
		label = "action"
	}
	metrics.EvaluationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		return sexp.Value{}, StageEvaluate, err
	}
	return v, "", nil
}

func (d *Driver) fail(out *Outcome, rule, stage string, err error) {
	re := newRuleError(rule, stage, err)
	out.Errors = append(out.Errors, re)
	metrics.ExpressionErrors.WithLabelValues(re.Stage, re.Kind).Inc()
	logger.Warn("Filter: rule skipped", "rule", rule, "stage", stage, "error", err)
}

func (d *Driver) forward(ctx context.Context, msg *Message, out *Outcome) {
	if len(out.Forwards) == 0 {
		return
	}
	if d.forwarder == nil {
		logger.Debug("Filter: no forwarder configured, forwards left to the caller", "uid", msg.UID, "to", out.Forwards)
		return
	}
	for _, to := range out.Forwards {
		if err := d.forwarder.Forward(ctx, to, msg.Raw); err != nil {
			d.fail(out, "forward-to "+to, StageForward, err)
		}
	}
}

// Search returns the uids of msgs that expr selects. An expression using
// match-all is evaluated once over the whole set and must yield a string
// set. Any other expression is evaluated per message and must yield a
// boolean.
func (d *Driver) Search(ctx context.Context, expr string, msgs []*Message) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	uids, err := d.runSearch(ctx, expr, msgs)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SearchesTotal.WithLabelValues(status).Inc()
	return uids, err
}

func (d *Driver) runSearch(ctx context.Context, expr string, msgs []*Message) ([]string, error) {
	prev := d.session.SetScope(ScopeSearch)
	defer d.session.SetScope(prev)
	d.search.messages = msgs
	defer func() {
		d.search.messages = nil
		d.search.current = nil
	}()

	d.session.SetInput(expr)
	if err := d.session.Parse(); err != nil {
		return nil, err
	}

	if containsCall(d.session.Tree(), "match-all") {
		d.search.current = nil
		v, err := d.session.Evaluate()
		if err != nil {
			return nil, err
		}
		if v.Kind != sexp.StringSet {
			return nil, sexp.TypeErrorf("search expression must produce a set of uids, got %s", v.Kind)
		}
		return v.Clone().Set(), nil
	}

	uids := []string{}
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.search.current = m
		v, err := d.session.Evaluate()
		if err != nil {
			return nil, err
		}
		if v.Kind != sexp.Bool {
			return nil, sexp.TypeErrorf("search expression must produce a boolean, got %s", v.Kind)
		}
		if v.Bool() {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

// Check parses the predicate and action of every rule without running
// them, returning one error per broken rule.
func (d *Driver) Check() []RuleError {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []RuleError
	for _, r := range d.rules {
		if r.err != nil {
			errs = append(errs, newRuleError(r.name, StageBuild, r.err))
			continue
		}
		if r.sieve != nil {
			continue
		}
		for _, step := range []struct {
			scope int
			code  string
		}{{ScopeSearch, r.code}, {ScopeAction, r.action}} {
			prev := d.session.SetScope(step.scope)
			d.session.SetInput(step.code)
			err := d.session.Parse()
			d.session.SetScope(prev)
			if err != nil {
				errs = append(errs, newRuleError(r.name, StageParse, err))
				break
			}
		}
	}
	return errs
}

// Evaluate runs a single expression in the search scope against msg, or
// with no current message when msg is nil.
func (d *Driver) Evaluate(expr string, msg *Message) (sexp.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.search.current = msg
	defer func() { d.search.current = nil }()
	v, _, err := d.eval(ScopeSearch, expr)
	return v.Clone(), err
}

// Close releases the expression session.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session.Close()
	d.rules = nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
