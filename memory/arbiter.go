// Copyright (C) 2026 The shreparts Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package memory implements the process-wide memory-consumer protocol: a
// cooperating consumer registers with an Arbiter, reports its memory usage
// as it changes, and answers Spill() requests the arbiter issues whenever
// total registered usage crosses the arbiter's budget.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// SpillReservationBytes is the fixed per-spill overhead reservation charged
// during a merge, covering a spill's buffered reader and offset table. It
// mirrors the SPILL_OFFHEAP_MEM_COST constant the original repartitioner
// reserves per open spill.
const SpillReservationBytes = 70_000

// Consumer is implemented by anything the arbiter can ask to release
// memory. Spill must be safe to call concurrently with the consumer's own
// goroutine reporting UpdateMemUsed.
type Consumer interface {
	// Spill is invoked by the arbiter when it needs this consumer to
	// release memory. Implementations should spill promptly and report
	// their new usage (typically 0, or SpillReservationBytes per retained
	// spill) via the handle's UpdateMemUsed before returning.
	Spill(ctx context.Context) error
}

// Arbiter tracks registered consumers and their self-reported memory usage
// against a soft budget. Admission is cooperative: UpdateMemUsed blocks
// until the arbiter has spilled enough spillable consumers (the reporting
// one included) to bring total usage back under budget, until no spillable
// consumer with nonzero usage is left to ask, or until the caller's context
// is done.
type Arbiter struct {
	budget int64

	mu        sync.Mutex
	consumers map[*ConsumerHandle]struct{}
	total     int64
}

// NewArbiter returns an Arbiter that tries to keep total reported usage at
// or below budget bytes. A budget of 0 disables admission blocking: usage
// is tracked but UpdateMemUsed never blocks (useful for tests and for
// embedders that manage memory pressure themselves).
func NewArbiter(budget int64) *Arbiter {
	return &Arbiter{budget: budget, consumers: map[*ConsumerHandle]struct{}{}}
}

// ConsumerHandle is the registration record a Consumer holds after
// Register. It is the non-owning reference back to the arbiter that
// set_consumer_info installs in the original protocol: the consumer keeps
// using the handle after registration, and must Deregister it on teardown.
type ConsumerHandle struct {
	arbiter    *Arbiter
	consumer   Consumer
	used       int64
	spillable  bool
	registered bool
}

// Register installs c with the arbiter and returns its handle. Calling any
// method on the handle before Register, or using a handle from a different
// arbiter, is a programming error.
func (a *Arbiter) Register(c Consumer) *ConsumerHandle {
	h := &ConsumerHandle{arbiter: a, consumer: c, spillable: true, registered: true}
	a.mu.Lock()
	a.consumers[h] = struct{}{}
	a.mu.Unlock()
	return h
}

// Deregister removes h from the arbiter's registry. It is safe to call more
// than once; subsequent calls are no-ops.
func (h *ConsumerHandle) Deregister() {
	a := h.arbiter
	a.mu.Lock()
	defer a.mu.Unlock()
	if !h.registered {
		return
	}
	h.registered = false
	a.total -= h.used
	h.used = 0
	delete(a.consumers, h)
}

// SetSpillable marks whether this consumer may be asked to Spill. The
// orchestrator disables this during the final merge so the arbiter never
// asks a consumer to mutate state while it is being drained.
func (h *ConsumerHandle) SetSpillable(v bool) {
	a := h.arbiter
	a.mu.Lock()
	h.spillable = v
	a.mu.Unlock()
}

// UpdateMemUsed reports the consumer's current total memory usage in bytes,
// replacing any previously reported figure. It may block, requesting spills
// from spillable consumers (this one included), until the arbiter's budget
// is no longer exceeded.
func (h *ConsumerHandle) UpdateMemUsed(ctx context.Context, bytes int64) error {
	return h.update(ctx, bytes, false)
}

// UpdateMemUsedWithDiff adjusts the consumer's previously reported usage by
// delta (which may be negative) rather than replacing it outright.
func (h *ConsumerHandle) UpdateMemUsedWithDiff(ctx context.Context, delta int64) error {
	return h.update(ctx, delta, true)
}

func (h *ConsumerHandle) update(ctx context.Context, v int64, isDiff bool) error {
	a := h.arbiter
	a.mu.Lock()
	if !h.registered {
		a.mu.Unlock()
		return fmt.Errorf("memory: UpdateMemUsed on deregistered consumer")
	}
	if isDiff {
		a.total += v
		h.used += v
	} else {
		a.total += v - h.used
		h.used = v
	}
	a.mu.Unlock()

	return a.admit(ctx)
}

// admit asks spillable consumers with nonzero usage, largest first and the
// reporting consumer included, to release memory until total usage
// is at or below budget, or until there is no more spillable consumer left
// to ask, or ctx is done. A budget of 0 means no admission control.
func (a *Arbiter) admit(ctx context.Context) error {
	if a.budget <= 0 {
		return nil
	}
	for {
		a.mu.Lock()
		if a.total <= a.budget {
			a.mu.Unlock()
			return nil
		}
		victim := a.pickVictimLocked()
		a.mu.Unlock()

		if victim == nil {
			return nil // nobody left who can give memory back
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := victim.consumer.Spill(ctx); err != nil {
			return fmt.Errorf("memory: spill request failed: %w", err)
		}
	}
}

func (a *Arbiter) pickVictimLocked() *ConsumerHandle {
	var best *ConsumerHandle
	for h := range a.consumers {
		if !h.spillable || h.used == 0 {
			continue
		}
		if best == nil || h.used > best.used {
			best = h
		}
	}
	return best
}

// TotalUsed reports the arbiter's current view of aggregate consumer usage.
func (a *Arbiter) TotalUsed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
