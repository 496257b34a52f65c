// Package audit keeps the append-only, totally ordered record of everything
// a session does: decisions, swaps, simulations, state transitions, and
// failures. The log is the authoritative ordering; a Recorder may mirror
// entries to durable storage.
package audit

import (
	"log"
	"sync"
	"time"
)

// Kind tags one audit entry. The set is closed.
type Kind string

const (
	KindSessionOpened     Kind = "session_opened"
	KindSessionClosing    Kind = "session_closing"
	KindSessionSettled    Kind = "session_settled"
	KindSessionError      Kind = "session_error"
	KindChannelOpened     Kind = "channel_opened"
	KindChannelUpdated    Kind = "channel_updated"
	KindChannelFinalized  Kind = "channel_finalized"
	KindChannelDegraded   Kind = "channel_degraded"
	KindSwapSimulated     Kind = "swap_simulated"
	KindSwapExecuted      Kind = "swap_executed"
	KindSwapRejected      Kind = "swap_rejected"
	KindSwapFailed        Kind = "swap_failed"
	KindSettlementFailed  Kind = "settlement_failed"
	KindPolicyAnchorCheck Kind = "policy_anchor_check"
)

// Entry is one audit record. Seq is assigned by the log and strictly
// increases; CorrelationID ties entries to a proposal or settlement.
type Entry struct {
	Seq           uint64            `json:"seq"`
	Kind          Kind              `json:"kind"`
	SessionID     string            `json:"sessionId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Recorder mirrors entries to durable storage. Mirror failures never block
// the session: they are logged and dropped.
type Recorder interface {
	RecordAudit(entry Entry) error
}

// Log is the in-memory append-only sequence.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	seq      uint64
	recorder Recorder
}

// Option customizes a Log.
type Option func(*Log)

// WithRecorder attaches a durable mirror.
func WithRecorder(r Recorder) Option {
	return func(l *Log) { l.recorder = r }
}

// NewLog builds an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one entry and returns it with its sequence number.
func (l *Log) Append(kind Kind, sessionID, correlationID, reason string, detail map[string]string) Entry {
	l.mu.Lock()
	entry := Entry{
		Seq:           l.seq,
		Kind:          kind,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Reason:        reason,
		Detail:        detail,
		Timestamp:     time.Now().UTC(),
	}
	l.seq++
	l.entries = append(l.entries, entry)
	recorder := l.recorder
	l.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordAudit(entry); err != nil {
			log.Printf("audit mirror failed for seq %d: %v", entry.Seq, err)
		}
	}
	return entry
}

// Entries returns a snapshot of the full log in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// EntriesForSession filters the snapshot by session id.
func (l *Log) EntriesForSession(sessionID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
