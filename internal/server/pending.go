package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/protocol"
)

// Outcome is the terminal result of a forwarded exchange. Exactly one of
// Response or Err is set.
type Outcome struct {
	Response *protocol.ResponsePayload
	Err      error
}

// Pending is a one-shot completion handle for an in-flight request. The
// channel is buffered so the resolving side never blocks.
type Pending struct {
	RequestID string
	Done      chan Outcome
	timer     *time.Timer
}

// PendingTable tracks requests forwarded to an agent that have not yet
// been answered. Each entry resolves exactly once: by response, by error,
// by timeout, or by removal.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*Pending
	logger  *slog.Logger
}

// NewPendingTable creates an empty table.
func NewPendingTable(logger *slog.Logger) *PendingTable {
	return &PendingTable{
		entries: make(map[string]*Pending),
		logger:  logger,
	}
}

// Add registers a pending request and arms its deadline. When the timer
// fires before a reply arrives the entry resolves with ErrRequestTimeout.
func (t *PendingTable) Add(requestID string, timeout time.Duration) *Pending {
	p := &Pending{
		RequestID: requestID,
		Done:      make(chan Outcome, 1),
	}

	t.mu.Lock()
	t.entries[requestID] = p
	t.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		t.resolve(requestID, Outcome{
			Err: protocol.NewError(protocol.CodeRequestTimeout, "request timed out", protocol.ErrRequestTimeout),
		})
	})

	return p
}

// Complete resolves a pending request with the agent's response. A reply
// for an unknown id is dropped; the entry may already have timed out.
func (t *PendingTable) Complete(requestID string, resp *protocol.ResponsePayload) {
	if !t.resolve(requestID, Outcome{Response: resp}) {
		t.logger.Debug("dropping reply for unknown request", "request_id", requestID)
	}
}

// Fail resolves a pending request with an error.
func (t *PendingTable) Fail(requestID string, err error) {
	if !t.resolve(requestID, Outcome{Err: err}) {
		t.logger.Debug("dropping error for unknown request", "request_id", requestID)
	}
}

// Remove drops a pending request without sending an outcome. Used when the
// waiter has stopped listening, e.g. the public client disconnected.
func (t *PendingTable) Remove(requestID string) {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

// FailAll resolves every pending request with the given error. Called when
// the owning tunnel closes.
func (t *PendingTable) FailAll(err error) {
	t.mu.Lock()
	drained := make([]*Pending, 0, len(t.entries))
	for id, p := range t.entries {
		drained = append(drained, p)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.Done <- Outcome{Err: err}
	}
}

// Has reports whether a request id is still pending.
func (t *PendingTable) Has(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[requestID]
	return ok
}

// Len returns the number of in-flight requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// resolve removes the entry under lock and delivers the outcome outside
// it. Returns false if the id was not pending.
func (t *PendingTable) resolve(requestID string, outcome Outcome) bool {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.Done <- outcome
	return true
}
