package requesttrack

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/crawlmeter/crawlmeter/traffic"
)

// Source is one browsing session's network protocol event channel.
type Source interface {
	// SessionID uniquely identifies the session for the life of the
	// process.
	SessionID() string
	// Engine reports the automation engine backing the session.
	Engine() traffic.Engine
	// Enable performs the protocol handshake that starts event delivery.
	// No events reach subscribed handlers before it succeeds.
	Enable(ctx context.Context) error
	// Subscribe registers h for all subsequent network events. Sources
	// deliver events from a single goroutine per session.
	Subscribe(h Handler)
}

// Handler consumes protocol events. *Tracker is the canonical handler.
type Handler interface {
	HandleEvent(ev any)
}

// Registry hands out one tracker per session. Attachment is memoized by
// session id so a session is never double-subscribed, and entries are
// evicted explicitly when the owning session is torn down.
type Registry struct {
	log  slog.Logger
	opts []Option

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry returns an empty registry. opts are applied to every tracker
// the registry creates.
func NewRegistry(log slog.Logger, opts ...Option) *Registry {
	return &Registry{
		log:      log,
		opts:     opts,
		trackers: make(map[string]*Tracker),
	}
}

// Attach returns the tracker metering src's session, creating and
// subscribing one on first use. Sessions on engines without a CDP event
// channel return a nil tracker and nil error: the session runs unmetered.
// The source's Enable handshake runs only when a tracker is first created;
// a failed handshake installs nothing, so a later Attach retries it.
func (r *Registry) Attach(ctx context.Context, src Source, recorder Recorder) (*Tracker, error) {
	if !src.Engine().CDPCapable() {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := src.SessionID()
	if tracker, ok := r.trackers[id]; ok {
		return tracker, nil
	}
	if err := src.Enable(ctx); err != nil {
		return nil, xerrors.Errorf("enable network events for session %q: %w", id, err)
	}
	tracker := New(id, src.Engine(), recorder, append([]Option{WithLogger(r.log)}, r.opts...)...)
	src.Subscribe(tracker)
	r.trackers[id] = tracker
	r.log.Debug(ctx, "attached request tracker",
		slog.F("session_id", id),
		slog.F("engine", src.Engine()),
	)
	return tracker, nil
}

// Detach evicts the session's tracker, if any. Call it on session teardown.
// Event delivery stops with the session itself; the registry only forgets
// the memoized instance.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, sessionID)
}

// Len returns the number of sessions with an attached tracker.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Close evicts all trackers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers = make(map[string]*Tracker)
}
