package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdash/console/internal/upstream"
)

const validateTimeout = 10 * time.Second

const (
	defaultHeartbeat    = 30 * time.Second
	defaultTokenRecheck = 60 * time.Second
	defaultFlushPeriod  = 5 * time.Second
)

var errMissingRegistry = errors.New("realtime: registry required")

// HubConfig bundles the dependencies and timer periods of the realtime hub.
type HubConfig struct {
	Upstream     Upstream
	Registry     *Registry
	Heartbeat    time.Duration
	TokenRecheck time.Duration
	WatcherRetry time.Duration
	FlushPeriod  time.Duration
	Logger       *zap.Logger
}

// Hub runs the per-session control loops: heartbeat, token re-validation,
// coalescing flush, inbound message dispatch and watcher supervision.
type Hub struct {
	up           Upstream
	registry     *Registry
	heartbeat    time.Duration
	tokenRecheck time.Duration
	watcherRetry time.Duration
	flushPeriod  time.Duration
	logger       *zap.Logger
}

// NewHub constructs a hub with validated configuration.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Upstream == nil {
		return nil, errMissingUpstream
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	tokenRecheck := cfg.TokenRecheck
	if tokenRecheck <= 0 {
		tokenRecheck = defaultTokenRecheck
	}
	watcherRetry := cfg.WatcherRetry
	if watcherRetry <= 0 {
		watcherRetry = defaultRetryDelay
	}
	flushPeriod := cfg.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = defaultFlushPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		up:           cfg.Upstream,
		registry:     cfg.Registry,
		heartbeat:    heartbeat,
		tokenRecheck: tokenRecheck,
		watcherRetry: watcherRetry,
		flushPeriod:  flushPeriod,
		logger:       logger,
	}, nil
}

// Registry exposes the hub's session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Attach wraps an accepted transport in a session, registers it, greets the
// browser, opens the watcher and starts the session's control loops.
func (h *Hub) Attach(conn Transport, accountID, token string) *Session {
	session := NewSession(conn, accountID, token, h.logger)
	session.SetOnClose(func() {
		h.registry.Remove(session.ID)
		if watcher := session.Watcher(); watcher != nil {
			watcher.Stop()
		}
		h.logger.Info("session closed", zap.String("session", session.ID))
	})
	h.registry.Add(session)
	h.logger.Info("session opened",
		zap.String("session", session.ID), zap.String("account", accountID))

	session.SendMessage(ConnectedMessage())
	h.startWatcher(session)

	go h.heartbeatLoop(session)
	go h.authLoop(session)
	go h.flushLoop(session)
	go h.readLoop(session)

	return session
}

func (h *Hub) startWatcher(session *Session) {
	supervisor, err := NewWatcherSupervisor(WatcherSupervisorConfig{
		Session:     session,
		Upstream:    h.up,
		Broadcaster: h.registry,
		Queue:       session.Queue(),
		RetryDelay:  h.watcherRetry,
		Logger:      h.logger,
	})
	if err != nil {
		h.logger.Error("watcher supervisor construction failed",
			zap.String("session", session.ID), zap.Error(err))
		return
	}
	session.SetWatcher(supervisor)
	supervisor.Start()
}

// switchAccount handles an inbound account-context change: the pending
// coalesced updates are discarded, the old watcher retires before a new
// subscription begins, and the epoch bump supersedes stale reconnects.
func (h *Hub) switchAccount(session *Session, accountID string) {
	session.Queue().Clear()
	if watcher := session.Watcher(); watcher != nil {
		watcher.Stop()
	}
	session.SetAccountID(accountID)
	session.BumpEpoch()
	h.logger.Info("account context switched",
		zap.String("session", session.ID), zap.String("account", accountID))
	if session.Open() && !session.Complete() {
		h.startWatcher(session)
	}
}

// heartbeatLoop pushes a ping on a fixed period. This is a coarse keep-alive
// against intermediary idle timeouts, not a round-trip health check.
func (h *Hub) heartbeatLoop(session *Session) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			if !session.Open() {
				session.terminateTransport()
				return
			}
			session.SendMessage(PingMessage())
		}
	}
}

// authLoop re-validates the session token against the identity service on a
// fixed period. Unauthorized is fatal to the session; transient upstream
// failures are logged and tolerated.
func (h *Hub) authLoop(session *Session) {
	ticker := time.NewTicker(h.tokenRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
			err := h.up.Validate(ctx, session.Auth())
			cancel()
			if errors.Is(err, upstream.ErrUnauthorized) {
				h.logger.Info("session token expired", zap.String("session", session.ID))
				session.SendMessage(ExpiredAuthMessage())
				session.MarkComplete()
				session.Close(CloseExpiredAuth, "Expired token")
				return
			}
			if err != nil {
				h.logger.Warn("token re-validation failed",
					zap.String("session", session.ID), zap.Error(err))
			}
		}
	}
}

// flushLoop drains the session's coalescing queue on a fixed cadence and
// resolves each surviving entry to a fetch-and-broadcast addressed to the
// entry's captured session and token.
func (h *Hub) flushLoop(session *Session) {
	ticker := time.NewTicker(h.flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			for _, entry := range session.Queue().DrainAll() {
				auth := upstream.Auth{AccountID: entry.AccountID, Token: entry.Token}
				go fetchAndBroadcast(h.up, h.registry, auth, entry.Session,
					CoalescedObjectType, entry.ObjectID, entry.Method, h.logger)
			}
		}
	}
}

// readLoop consumes inbound frames until the transport closes; any exit tears
// the session down.
func (h *Hub) readLoop(session *Session) {
	defer session.Close(websocket.CloseNormalClosure, "")
	for {
		_, raw, err := session.ReadMessage()
		if err != nil {
			return
		}
		var inbound inboundMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			h.logger.Debug("dropping malformed inbound message",
				zap.String("session", session.ID), zap.Error(err))
			continue
		}
		if inbound.ID == MessageIDAccountUpdate && inbound.AccountID != "" {
			h.switchAccount(session, inbound.AccountID)
		}
	}
}
