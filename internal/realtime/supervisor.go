package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opsdash/console/internal/upstream"
)

// CoalescedObjectType is the high-churn object class whose PATCH
// notifications are coalesced instead of fanned out individually.
const CoalescedObjectType = "volume-series-requests"

// watchedObjectTypes is the allow-list of object classes delivered to the
// browser. It is enforced on delivery as well as at registration, since
// upstream URI patterns can over-match.
var watchedObjectTypes = []string{
	"accounts",
	"nodes",
	"pools",
	"service-plans",
	"storage",
	"volume-series",
	CoalescedObjectType,
	"volumes",
}

const (
	defaultRetryDelay = 30 * time.Second
	fetchTimeout      = 20 * time.Second
	connectTimeout    = 20 * time.Second
)

// SubscriptionConn is the upstream watcher socket surface consumed by the
// supervisor.
type SubscriptionConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// Upstream is the subset of the configuration API client the realtime
// subsystem uses.
type Upstream interface {
	RegisterWatcher(ctx context.Context, auth upstream.Auth, spec upstream.WatcherSpec) (string, error)
	DialWatcher(ctx context.Context, auth upstream.Auth, watcherID string) (SubscriptionConn, error)
	FetchObject(ctx context.Context, auth upstream.Auth, objectType, id string) (json.RawMessage, error)
	Validate(ctx context.Context, auth upstream.Auth) error
}

// WatcherState is the supervisor's position in its connection lifecycle.
type WatcherState int32

const (
	WatcherDisconnected WatcherState = iota
	WatcherConnecting
	WatcherOpen
	WatcherClosing
)

func (s WatcherState) String() string {
	switch s {
	case WatcherDisconnected:
		return "disconnected"
	case WatcherConnecting:
		return "connecting"
	case WatcherOpen:
		return "open"
	case WatcherClosing:
		return "closing"
	}
	return "unknown"
}

var (
	errMissingSession     = errors.New("realtime: session required")
	errMissingUpstream    = errors.New("realtime: upstream client required")
	errMissingBroadcaster = errors.New("realtime: broadcaster required")
	errMissingQueue       = errors.New("realtime: coalescing queue required")
)

// WatcherSupervisorConfig bundles the dependencies of one watcher supervisor.
type WatcherSupervisorConfig struct {
	Session     *Session
	Upstream    Upstream
	Broadcaster Broadcaster
	Queue       *CoalescingQueue
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// WatcherSupervisor owns at most one live upstream change-notification
// subscription for a session, reconnecting on failure at a fixed interval.
// It captures the session's watcher epoch at construction; once the session
// moves to a newer epoch the supervisor retires instead of reconnecting.
type WatcherSupervisor struct {
	session     *Session
	up          Upstream
	broadcaster Broadcaster
	queue       *CoalescingQueue
	retryDelay  time.Duration
	logger      *zap.Logger

	epoch uint64
	state atomic.Int32

	mu   sync.Mutex
	conn SubscriptionConn

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcherSupervisor constructs a supervisor for the session's current
// account context and epoch.
func NewWatcherSupervisor(cfg WatcherSupervisorConfig) (*WatcherSupervisor, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Upstream == nil {
		return nil, errMissingUpstream
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatcherSupervisor{
		session:     cfg.Session,
		up:          cfg.Upstream,
		broadcaster: cfg.Broadcaster,
		queue:       cfg.Queue,
		retryDelay:  retryDelay,
		logger:      logger,
		epoch:       cfg.Session.Epoch(),
		stop:        make(chan struct{}),
	}, nil
}

// Start launches the supervisor's connection loop.
func (w *WatcherSupervisor) Start() {
	go w.run()
}

// State reports the supervisor's current lifecycle state.
func (w *WatcherSupervisor) State() WatcherState {
	return WatcherState(w.state.Load())
}

// Stop retires the supervisor: the subscription socket is closed and no
// further notifications from it are acted on. Safe to call more than once.
func (w *WatcherSupervisor) Stop() {
	w.stopOnce.Do(func() {
		w.state.Store(int32(WatcherClosing))
		close(w.stop)
		w.mu.Lock()
		conn := w.conn
		w.conn = nil
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (w *WatcherSupervisor) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// superseded reports whether this supervisor should retire instead of
// reconnecting: stopped, session gone, or the session moved to a newer epoch.
func (w *WatcherSupervisor) superseded() bool {
	return w.stopped() || w.session.Complete() || !w.session.Open() || w.epoch != w.session.Epoch()
}

func (w *WatcherSupervisor) run() {
	for {
		if w.superseded() {
			w.state.Store(int32(WatcherClosing))
			return
		}

		w.state.Store(int32(WatcherConnecting))
		w.broadcaster.Broadcast(w.session,
			WatcherStatusMessage(StatusConnecting, "Connecting to change notification service"))

		conn, err := w.connect()
		if err != nil {
			if errors.Is(err, upstream.ErrExpiredCredential) || errors.Is(err, upstream.ErrUnauthorized) {
				w.logger.Info("watcher registration refused, closing session",
					zap.String("session", w.session.ID), zap.Error(err))
				w.expireSession()
				return
			}
			w.logger.Warn("watcher connect failed",
				zap.String("session", w.session.ID), zap.Error(err))
			w.state.Store(int32(WatcherDisconnected))
			w.broadcaster.Broadcast(w.session,
				WatcherStatusMessage(StatusDisconnected, "Change notification service unavailable"))
			if !w.waitRetry() {
				return
			}
			continue
		}

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		if w.stopped() {
			conn.Close()
			return
		}

		w.state.Store(int32(WatcherOpen))
		w.broadcaster.Broadcast(w.session,
			WatcherStatusMessage(StatusConnected, "Receiving change notifications"))

		w.readLoop(conn)

		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()

		if w.superseded() {
			w.state.Store(int32(WatcherClosing))
			return
		}
		w.state.Store(int32(WatcherDisconnected))
		w.broadcaster.Broadcast(w.session,
			WatcherStatusMessage(StatusDisconnected, "Change notification stream lost"))
		if !w.waitRetry() {
			return
		}
	}
}

func (w *WatcherSupervisor) connect() (SubscriptionConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	auth := w.session.Auth()
	spec := upstream.WatcherSpec{Name: "console-" + w.session.ID}
	for _, objectType := range watchedObjectTypes {
		spec.Matchers = append(spec.Matchers, upstream.WatcherMatcher{
			URIPattern: "^/" + objectType,
		})
	}

	watcherID, err := w.up.RegisterWatcher(ctx, auth, spec)
	if err != nil {
		return nil, err
	}
	return w.up.DialWatcher(ctx, auth, watcherID)
}

func (w *WatcherSupervisor) readLoop(conn SubscriptionConn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if w.stopped() {
			return
		}
		w.handleNotification(raw)
	}
}

// handleNotification classifies one change notification: drop, immediate
// DELETE fan-out, coalescing queue insert, or fetch-and-broadcast.
func (w *WatcherSupervisor) handleNotification(raw []byte) {
	notification, err := parseNotification(raw)
	if err != nil {
		w.logger.Warn("dropping malformed notification",
			zap.String("session", w.session.ID), zap.Error(err))
		return
	}
	if !watchedObjectType(notification.ObjectType) {
		return
	}
	if notification.ObjectType == "nodes" && notification.Scope[scopeHeartbeatKey] != "" {
		return
	}

	auth := w.session.Auth()
	switch {
	case notification.Method == "DELETE":
		w.broadcaster.Broadcast(w.session,
			DeletedMessage(notification.ObjectType, notification.ObjectID))
	case notification.ObjectType == CoalescedObjectType && notification.Method == "PATCH":
		w.queue.Upsert(QueueEntry{
			ObjectID:  notification.ObjectID,
			AccountID: auth.AccountID,
			Token:     auth.Token,
			Session:   w.session,
			Method:    notification.Method,
		})
	default:
		go fetchAndBroadcast(w.up, w.broadcaster, auth, w.session,
			notification.ObjectType, notification.ObjectID, notification.Method, w.logger)
	}
}

// expireSession force-closes the owning session after an authorization
// refusal. Not retried.
func (w *WatcherSupervisor) expireSession() {
	w.state.Store(int32(WatcherClosing))
	w.session.SendMessage(ExpiredAuthMessage())
	w.session.MarkComplete()
	w.session.Close(CloseExpiredAuth, "Expired token")
}

// waitRetry blocks for the fixed reconnect delay. It returns false when the
// supervisor should retire instead of reconnecting.
func (w *WatcherSupervisor) waitRetry() bool {
	timer := time.NewTimer(w.retryDelay)
	defer timer.Stop()
	select {
	case <-w.stop:
		return false
	case <-w.session.Done():
		return false
	case <-timer.C:
		return !w.superseded()
	}
}

func watchedObjectType(objectType string) bool {
	for _, allowed := range watchedObjectTypes {
		if objectType == allowed {
			return true
		}
	}
	return false
}

// fetchAndBroadcast resolves a notification to the full object and fans it
// out to the addressed session. Fetch failures are logged, never retried; the
// next notification or flush supersedes them.
func fetchAndBroadcast(up Upstream, broadcaster Broadcaster, auth upstream.Auth, session *Session, objectType, id, method string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	data, err := up.FetchObject(ctx, auth, objectType, id)
	if err != nil {
		logger.Warn("object fetch failed",
			zap.String("objectType", objectType), zap.String("id", id), zap.Error(err))
		return
	}
	broadcaster.Broadcast(session, ObjectMessage(objectType, method, data))
}
