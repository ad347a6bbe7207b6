// Package correlator pairs barcode scans with printed receipts that arrive
// within a bounded time window of each other.
//
// A Correlator is not safe for concurrent use. It is owned by exactly one
// till goroutine, which makes each arrival's scan-and-remove atomic.
package correlator

import (
	"time"

	"github.com/punchamoorthee/tillbridge/internal/domain"
)

// DefaultWindow is the maximum scan/receipt delta considered one purchase.
const DefaultWindow = 30 * time.Second

type pending[T any] struct {
	event T
	at    time.Time
	seq   uint64
}

// Correlator holds unmatched scans and receipts in arrival order.
type Correlator struct {
	window   time.Duration
	scans    []pending[domain.ScanEvent]
	receipts []pending[domain.ReceiptRecord]
	seq      uint64
	// high is the latest time seen; expiry never runs backwards.
	high time.Time
}

func New(window time.Duration) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Correlator{window: window}
}

func (c *Correlator) Window() time.Duration { return c.window }

// AddScan expires stale entries, then matches s against the closest pending
// receipt. With no candidate, s is buffered.
func (c *Correlator) AddScan(s domain.ScanEvent) (*domain.MatchedPurchase, []domain.Unmatched) {
	expired := c.Sweep(s.ObservedAt)
	if i := closest(c.receipts, s.ObservedAt, c.window); i >= 0 {
		r := c.receipts[i].event
		c.receipts = remove(c.receipts, i)
		return &domain.MatchedPurchase{Scan: s, Receipt: r, MatchedAt: c.high}, expired
	}
	c.seq++
	c.scans = insert(c.scans, pending[domain.ScanEvent]{event: s, at: s.ObservedAt, seq: c.seq})
	return nil, expired
}

// AddReceipt is the mirror of AddScan.
func (c *Correlator) AddReceipt(r domain.ReceiptRecord) (*domain.MatchedPurchase, []domain.Unmatched) {
	expired := c.Sweep(r.ObservedAt)
	if i := closest(c.scans, r.ObservedAt, c.window); i >= 0 {
		s := c.scans[i].event
		c.scans = remove(c.scans, i)
		return &domain.MatchedPurchase{Scan: s, Receipt: r, MatchedAt: c.high}, expired
	}
	c.seq++
	c.receipts = insert(c.receipts, pending[domain.ReceiptRecord]{event: r, at: r.ObservedAt, seq: c.seq})
	return nil, expired
}

// Sweep evicts every entry older than the window relative to now and returns
// them in expiry order, scans before receipts.
func (c *Correlator) Sweep(now time.Time) []domain.Unmatched {
	if now.After(c.high) {
		c.high = now
	}
	cutoff := c.high.Add(-c.window)

	var out []domain.Unmatched
	for len(c.scans) > 0 && c.scans[0].at.Before(cutoff) {
		s := c.scans[0].event
		c.scans = c.scans[1:]
		out = append(out, domain.Unmatched{Kind: domain.UnmatchedScan, Scan: &s, ExpiredAt: c.high})
	}
	for len(c.receipts) > 0 && c.receipts[0].at.Before(cutoff) {
		r := c.receipts[0].event
		c.receipts = c.receipts[1:]
		out = append(out, domain.Unmatched{Kind: domain.UnmatchedReceipt, Receipt: &r, ExpiredAt: c.high})
	}
	return out
}

// Pending reports buffer sizes.
func (c *Correlator) Pending() (scans, receipts int) {
	return len(c.scans), len(c.receipts)
}

// PendingScans returns a copy of the buffered scans, oldest first.
func (c *Correlator) PendingScans() []domain.ScanEvent {
	out := make([]domain.ScanEvent, len(c.scans))
	for i, p := range c.scans {
		out[i] = p.event
	}
	return out
}

// Reset drops both buffers without emitting expiry signals.
func (c *Correlator) Reset() {
	c.scans = nil
	c.receipts = nil
}

// closest returns the index of the entry nearest to at within window, or -1.
// Ties go to the earliest observation, then to the earliest arrival.
func closest[T any](buf []pending[T], at time.Time, window time.Duration) int {
	best := -1
	var bestDelta time.Duration
	for i, p := range buf {
		d := absDuration(p.at.Sub(at))
		if d > window {
			continue
		}
		if best < 0 || d < bestDelta ||
			(d == bestDelta && (p.at.Before(buf[best].at) || (p.at.Equal(buf[best].at) && p.seq < buf[best].seq))) {
			best, bestDelta = i, d
		}
	}
	return best
}

// insert keeps buf ordered by observation time; equal times keep arrival order.
func insert[T any](buf []pending[T], p pending[T]) []pending[T] {
	i := len(buf)
	for i > 0 && buf[i-1].at.After(p.at) {
		i--
	}
	buf = append(buf, pending[T]{})
	copy(buf[i+1:], buf[i:])
	buf[i] = p
	return buf
}

func remove[T any](buf []pending[T], i int) []pending[T] {
	return append(buf[:i], buf[i+1:]...)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
