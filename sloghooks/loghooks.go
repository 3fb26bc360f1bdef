// Package sloghooks logs capital.Hooks events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/capital"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CycleEvery uint64
	QueryEvery uint64
	// Optional selector redactor. Defaults to the raw selector; set
	// HashSelectors to log a SHA-256 prefix instead.
	Redact        func(string) string
	HashSelectors bool
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	cycleCtr atomic.Uint64
	queryCtr atomic.Uint64
}

var _ capital.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(sel string) string {
	switch {
	case h.opts.Redact != nil:
		return h.opts.Redact(sel)
	case h.opts.HashSelectors:
		sum := sha256.Sum256([]byte(sel))
		return hex.EncodeToString(sum[:8])
	}
	return sel
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CycleCompleted(instance string, evicted, refreshed int) {
	if h.l == nil || !sample(h.opts.CycleEvery, &h.cycleCtr) {
		return
	}
	h.l.Debug("capital.cycle_completed",
		"instance", instance,
		"evicted", evicted,
		"refreshed", refreshed)
}

func (h *Hooks) RefreshFailed(instance string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("capital.refresh_failed",
		"instance", instance,
		"err", err)
}

func (h *Hooks) HandleLeaked(selector string) {
	if h.l == nil {
		return
	}
	h.l.Error("capital.handle_leaked",
		"selector", h.redact(selector))
}

func (h *Hooks) QueryFailed(selector string, err error) {
	if h.l == nil || !sample(h.opts.QueryEvery, &h.queryCtr) {
		return
	}
	h.l.Warn("capital.query_failed",
		"selector", h.redact(selector),
		"err", err)
}
