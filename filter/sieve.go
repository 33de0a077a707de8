package filter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/logger"
)

// DefaultSieveExtensions are the extensions enabled for sieve rules unless
// configured otherwise. Vacation is absent: sift never sends replies.
var DefaultSieveExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",
	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",
	"imap4flags",
	"variables",
	"relational",
	"copy",
	"regex",
}

// SieveRule is a compiled sieve script.
type SieveRule struct {
	script *sieve.Script
}

// CompileSieve loads a sieve script with the given extensions enabled. A nil
// list enables DefaultSieveExtensions.
func CompileSieve(content string, extensions []string) (*SieveRule, error) {
	if extensions == nil {
		extensions = DefaultSieveExtensions
	}
	options := sieve.DefaultOptions()
	options.EnabledExtensions = extensions
	script, err := sieve.Load(strings.NewReader(content), options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrSieveInvalid, err)
	}
	return &SieveRule{script: script}, nil
}

// Run executes the script against msg and merges what it decided into out.
func (r *SieveRule) Run(ctx context.Context, msg *Message, out *Outcome) error {
	data := sieve.NewRuntimeData(r.script, &sievePolicy{}, newSieveEnvelope(msg), &sieveMessage{msg: msg})
	if err := r.script.Execute(ctx, data); err != nil {
		return err
	}

	kept := data.Keep || data.ImplicitKeep
	for i, mailbox := range data.Mailboxes {
		mailbox = strings.Trim(mailbox, string(consts.FolderDelimiter))
		if mailbox == "" {
			continue
		}
		if !kept && i == len(data.Mailboxes)-1 {
			out.moveTo(mailbox)
		} else {
			out.addFolder(mailbox)
		}
	}
	for _, addr := range data.RedirectAddr {
		out.addForward(addr)
	}
	if !kept && len(data.Mailboxes) == 0 {
		out.Deleted = true
	}

	for _, name := range data.Flags {
		if flag, ok := SystemFlag(name); ok {
			out.Flags[flag] = true
			addFlag(msg, flag)
			continue
		}
		out.UserFlags[name] = true
		if !msg.HasUserFlag(name) {
			msg.UserFlags = append(msg.UserFlags, name)
		}
	}
	return nil
}

// sievePolicy allows redirects, which become forwards, and refuses
// vacation replies.
type sievePolicy struct{}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	logger.Debug("Sieve: vacation response refused", "sender", originalSender, "handle", handle)
	return false, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

// sieveEnvelope takes the envelope from Return-Path and Delivered-To,
// falling back to From and To.
type sieveEnvelope struct {
	from string
	to   string
}

func newSieveEnvelope(msg *Message) *sieveEnvelope {
	h := mail.Header{Header: msg.Header}
	env := &sieveEnvelope{}
	for _, key := range []string{"Return-Path", "From"} {
		if addrs, err := h.AddressList(key); err == nil && len(addrs) > 0 {
			env.from = addrs[0].Address
			break
		}
	}
	for _, key := range []string{"Delivered-To", "To"} {
		if addrs, err := h.AddressList(key); err == nil && len(addrs) > 0 {
			env.to = addrs[0].Address
			break
		}
	}
	return env
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	msg *Message
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.msg.HeaderValues(key), nil
}

func (m *sieveMessage) MessageSize() int {
	return int(m.msg.Size)
}
