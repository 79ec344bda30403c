package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster delivers a wire message to one session or, with a nil target,
// to every open session.
type Broadcaster interface {
	Broadcast(target *Session, msg Message)
}

// Registry tracks the set of open browser sessions and fans messages out to
// them. Sessions in a closing or closed state are skipped, never queued.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewRegistry returns an empty session registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Add registers an open session.
func (r *Registry) Add(session *Session) {
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()
}

// Remove unregisters a session by id.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEachOpen calls fn for every registered session whose transport is open.
func (r *Registry) ForEachOpen(fn func(*Session)) {
	for _, session := range r.snapshot() {
		if session.Open() {
			fn(session)
		}
	}
}

// Broadcast serializes the message once and delivers it to the target
// session, or to all open sessions when target is nil. Serialization failure
// drops the message with a log line; delivery is fire-and-forget.
func (r *Registry) Broadcast(target *Session, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("dropping unserializable broadcast",
			zap.String("object", msg.Object), zap.Error(err))
		return
	}

	if target != nil {
		if target.Open() {
			target.Send(payload)
		}
		return
	}

	for _, session := range r.snapshot() {
		if session.Open() {
			session.Send(payload)
		}
	}
}

// MetricsStatus pushes a metrics database readiness notification to all open
// sessions. It implements the metricsdb status sink.
func (r *Registry) MetricsStatus(ready bool) {
	r.Broadcast(nil, MetricsStatusMessage(ready))
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
