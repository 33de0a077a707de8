// Package delivery runs incoming and stored messages through the rules and
// applies the outcome to the store. It is shared by the HTTP API and the
// command line.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/store"
)

// Options controls one delivery.
type Options struct {
	Folder string
	Source string
	// DryRun filters without storing anything.
	DryRun bool
}

// Result describes what happened to a delivered message.
type Result struct {
	UID     string          `json:"uid"`
	Folder  string          `json:"folder"`
	Skipped bool            `json:"skipped,omitempty"` // too large to filter
	Copies  []string        `json:"copies,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Outcome *filter.Outcome `json:"outcome"`
}

// driverRef counts the calls using a driver. A retired driver is closed
// once the last of them finishes.
type driverRef struct {
	d *filter.Driver

	mu      sync.Mutex
	users   int
	retired bool
}

func (r *driverRef) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	r.users++
	return true
}

func (r *driverRef) release() {
	r.mu.Lock()
	r.users--
	done := r.retired && r.users == 0
	r.mu.Unlock()
	if done {
		r.d.Close()
	}
}

func (r *driverRef) retire() {
	r.mu.Lock()
	r.retired = true
	done := r.users == 0
	r.mu.Unlock()
	if done {
		r.d.Close()
	}
}

// Deliverer owns the current rule driver. The driver can be replaced
// while deliveries are in flight.
type Deliverer struct {
	store         *store.Store
	driver        atomic.Pointer[driverRef]
	maxSize       int64
	defaultFolder string
}

// New returns a Deliverer. st may be nil, in which case only dry runs
// work.
func New(st *store.Store, d *filter.Driver, cfg config.FilterConfig) (*Deliverer, error) {
	maxSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid max message size: %w", err)
	}
	folder := cfg.DefaultFolder
	if folder == "" {
		folder = consts.DefaultFolder
	}
	dl := &Deliverer{store: st, maxSize: maxSize, defaultFolder: folder}
	dl.driver.Store(&driverRef{d: d})
	return dl, nil
}

// Acquire returns the driver currently in use. The driver stays open until
// release is called, even if SetDriver replaces it meanwhile.
func (dl *Deliverer) Acquire() (d *filter.Driver, release func()) {
	for {
		ref := dl.driver.Load()
		if ref.acquire() {
			return ref.d, ref.release
		}
	}
}

// SetDriver swaps in a driver built from reloaded rules. The previous
// driver is closed after the calls still using it return.
func (dl *Deliverer) SetDriver(d *filter.Driver) {
	old := dl.driver.Swap(&driverRef{d: d})
	if old != nil {
		old.retire()
	}
	logger.Info("Delivery: rules replaced", "rules", len(d.Rules()))
}

// Close closes the current driver once it is idle.
func (dl *Deliverer) Close() {
	dl.driver.Load().retire()
}

// Store returns the backing store, or nil.
func (dl *Deliverer) Store() *store.Store {
	return dl.store
}

// Deliver parses raw, filters it and, unless opts.DryRun is set, stores
// it with the outcome applied.
func (dl *Deliverer) Deliver(ctx context.Context, raw []byte, opts Options) (*Result, error) {
	folder := opts.Folder
	if folder == "" {
		folder = dl.defaultFolder
	}
	msg, err := filter.ParseMessage(raw, folder)
	if err != nil {
		return nil, err
	}
	msg.Source = opts.Source

	if opts.DryRun {
		return dl.filter(ctx, msg)
	}
	if dl.store == nil {
		return nil, errors.New("no message store configured")
	}
	if err := dl.store.PutMessage(ctx, msg); err != nil {
		return nil, err
	}
	return dl.process(ctx, msg)
}

// Refilter runs the rules again over every live message of folder and
// applies the outcomes.
func (dl *Deliverer) Refilter(ctx context.Context, folder string) ([]*Result, error) {
	if dl.store == nil {
		return nil, errors.New("no message store configured")
	}
	msgs, err := dl.store.ListFolder(ctx, folder)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(msgs))
	for _, msg := range msgs {
		res, err := dl.process(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return results, err
			}
			logger.Warn("Delivery: refilter failed", "uid", msg.UID, "folder", folder, "error", err)
			continue
		}
		results = append(results, res)
	}
	logger.Info("Delivery: folder refiltered", "folder", folder, "messages", len(results))
	return results, nil
}

// Search evaluates expr over the live messages of folder.
func (dl *Deliverer) Search(ctx context.Context, folder, expr string) ([]string, error) {
	if dl.store == nil {
		return nil, errors.New("no message store configured")
	}
	msgs, err := dl.store.ListFolder(ctx, folder)
	if err != nil {
		return nil, err
	}
	d, release := dl.Acquire()
	defer release()
	return d.Search(ctx, expr, msgs)
}

func (dl *Deliverer) filter(ctx context.Context, msg *filter.Message) (*Result, error) {
	res := &Result{UID: msg.UID, Folder: msg.Folder}
	if int64(len(msg.Raw)) > dl.maxSize {
		logger.Info("Delivery: message too large to filter", "uid", msg.UID, "size", len(msg.Raw), "max", dl.maxSize)
		res.Skipped = true
		res.Outcome = &filter.Outcome{UID: msg.UID}
		return res, nil
	}
	d, release := dl.Acquire()
	out, err := d.Filter(ctx, msg)
	release()
	if err != nil {
		return nil, err
	}
	res.Outcome = out
	if out.Moved && len(out.Folders) > 0 {
		res.Folder = out.Folders[len(out.Folders)-1]
	}
	return res, nil
}

func (dl *Deliverer) process(ctx context.Context, msg *filter.Message) (*Result, error) {
	started := time.Now()
	log := logger.With("uid", msg.UID)
	res, err := dl.filter(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		return res, nil
	}
	if res.Outcome.Changed() {
		if res.Copies, err = dl.store.Apply(ctx, msg.UID, res.Outcome); err != nil {
			return nil, err
		}
	}
	if res.RunID, err = dl.store.RecordRun(ctx, started, res.Outcome); err != nil {
		log.WarnContext(ctx, "Delivery: failed to record filter run", "error", err)
	}
	log.DebugContext(ctx, "Delivery: message processed", "folder", res.Folder,
		"matched", res.Outcome.Matched, "errors", len(res.Outcome.Errors))
	return res, nil
}
