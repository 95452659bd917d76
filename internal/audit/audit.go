package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ActorKind string

const (
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

type Actor struct {
	Kind ActorKind
	ID   string
}

var System = Actor{Kind: ActorSystem}

func Admin(id string) Actor { return Actor{Kind: ActorAdmin, ID: id} }

type Entry struct {
	ID        string         `json:"id"`
	Actor     ActorKind      `json:"actor"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	TargetID  string         `json:"target_id"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink stores audit entries.
type Sink interface {
	InsertAudit(ctx context.Context, e Entry) error
}

// Filter narrows an audit listing. Empty fields match everything.
type Filter struct {
	Target   string
	TargetID string
	Limit    int
}

// DefaultListLimit caps a listing when Filter.Limit is unset.
const DefaultListLimit = 200

// Lister returns entries newest first.
type Lister interface {
	ListAudit(ctx context.Context, f Filter) ([]Entry, error)
}

// Max returns the row cap, clamped to DefaultListLimit.
func (f Filter) Max() int {
	if f.Limit <= 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// Recorder fills in identity and time and hands entries to a Sink. Failures
// are logged, never returned: auditing must not abort the audited action.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, actor Actor, action, target, targetID string, meta map[string]any) {
	e := Entry{
		ID:        uuid.NewString(),
		Actor:     actor.Kind,
		ActorID:   actor.ID,
		Action:    action,
		Target:    target,
		TargetID:  targetID,
		Meta:      meta,
		Timestamp: r.now().UTC(),
	}
	if r.sink == nil {
		r.logger.Info("audit", "action", action, "target", target, "target_id", targetID, "actor", actor.Kind)
		return
	}
	if err := r.sink.InsertAudit(ctx, e); err != nil {
		r.logger.Error("audit insert failed", "action", action, "target_id", targetID, "err", err)
	}
}

// MemorySink keeps entries in process. It backs the audit log when no
// database is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) InsertAudit(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy, newest last.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Actions lists the recorded actions for targetID in order.
func (m *MemorySink) Actions(targetID string) []string {
	var out []string
	for _, e := range m.Entries() {
		if e.TargetID == targetID {
			out = append(out, e.Action)
		}
	}
	return out
}

func (m *MemorySink) ListAudit(_ context.Context, f Filter) ([]Entry, error) {
	entries := m.Entries()
	out := make([]Entry, 0, min(len(entries), f.Max()))
	for i := len(entries) - 1; i >= 0 && len(out) < f.Max(); i-- {
		e := entries[i]
		if f.Target != "" && e.Target != f.Target {
			continue
		}
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
