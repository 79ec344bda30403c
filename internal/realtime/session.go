package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdash/console/internal/upstream"
)

const closeWriteWait = 5 * time.Second

// Transport is the downstream duplex connection surface the session drives.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session is one open browser connection with its identity, coalescing queue
// and watcher handle. All mutable state is guarded; writes to the transport
// are serialized.
type Session struct {
	ID     string
	logger *zap.Logger

	conn    Transport
	writeMu sync.Mutex

	mu        sync.Mutex
	accountID string
	token     string
	watcher   *WatcherSupervisor
	queue     *CoalescingQueue

	epoch    atomic.Uint64
	complete atomic.Bool
	closed   atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	onClose   func()
}

// NewSession wraps an accepted transport with the connection's identity.
func NewSession(conn Transport, accountID, token string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ID:        uuid.NewString(),
		logger:    logger,
		conn:      conn,
		accountID: accountID,
		token:     token,
		queue:     NewCoalescingQueue(),
		done:      make(chan struct{}),
	}
}

// Queue returns the session's coalescing queue. The queue lives for the whole
// session, outliving individual watcher instances.
func (s *Session) Queue() *CoalescingQueue {
	return s.queue
}

// ReadMessage reads the next inbound frame from the transport.
func (s *Session) ReadMessage() (int, []byte, error) {
	return s.conn.ReadMessage()
}

// Auth returns the session's current upstream identity.
func (s *Session) Auth() upstream.Auth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upstream.Auth{AccountID: s.accountID, Token: s.token}
}

// SetAccountID replaces the account context, keeping the token.
func (s *Session) SetAccountID(accountID string) {
	s.mu.Lock()
	s.accountID = accountID
	s.mu.Unlock()
}

// Epoch returns the session's current watcher generation.
func (s *Session) Epoch() uint64 {
	return s.epoch.Load()
}

// BumpEpoch advances the watcher generation, superseding callbacks captured by
// earlier watchers.
func (s *Session) BumpEpoch() uint64 {
	return s.epoch.Add(1)
}

// Watcher returns the session's current watcher supervisor, if any.
func (s *Session) Watcher() *WatcherSupervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher
}

// SetWatcher records the session's watcher supervisor. At most one is live at
// a time; the caller stops the previous one first.
func (s *Session) SetWatcher(w *WatcherSupervisor) {
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}

// Complete reports whether the session was intentionally torn down.
func (s *Session) Complete() bool {
	return s.complete.Load()
}

// MarkComplete flags the session as intentionally torn down, suppressing
// watcher reconnects.
func (s *Session) MarkComplete() {
	s.complete.Store(true)
}

// Open reports whether the transport is still writable.
func (s *Session) Open() bool {
	return !s.closed.Load()
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetOnClose registers the teardown hook run exactly once when the session
// closes through any path.
func (s *Session) SetOnClose(hook func()) {
	s.onClose = hook
}

// Send writes a serialized payload to the transport. Delivery is
// fire-and-forget: a write failure closes the session and the payload is
// dropped.
func (s *Session) Send(payload []byte) bool {
	if !s.Open() {
		return false
	}
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug("session write failed", zap.String("session", s.ID), zap.Error(err))
		s.Close(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}

// SendMessage serializes and sends one wire message. Serialization failures
// drop the message with a log line.
func (s *Session) SendMessage(msg Message) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("dropping unserializable message",
			zap.String("session", s.ID), zap.String("object", msg.Object), zap.Error(err))
		return false
	}
	return s.Send(payload)
}

// Close tears the session down exactly once: marks it closed, sends a best
// effort close frame, closes the transport and runs the teardown hook, which
// cancels the liveness timers and stops the watcher.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		deadline := time.Now().Add(closeWriteWait)
		frame := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
			s.logger.Debug("close frame not delivered", zap.String("session", s.ID), zap.Error(err))
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("transport close failed", zap.String("session", s.ID), zap.Error(err))
		}
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// terminateTransport force-closes the raw transport without the close
// handshake. Used by the heartbeat monitor when it observes a transport that
// is already gone.
func (s *Session) terminateTransport() {
	s.closed.Store(true)
	_ = s.conn.Close()
}
