package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdash/console/internal/upstream"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	closeCodes []int
	closed     bool

	inbound  chan []byte
	shutdown chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		shutdown: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-t.inbound:
		return websocket.TextMessage, raw, nil
	case <-t.shutdown:
		return 0, nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(_ int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		t.closeCodes = append(t.closeCodes, int(binary.BigEndian.Uint16(data[:2])))
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.once.Do(func() { close(t.shutdown) })
	return nil
}

func (t *fakeTransport) push(raw string) {
	t.inbound <- []byte(raw)
}

func (t *fakeTransport) messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	decoded := make([]Message, 0, len(t.frames))
	for _, frame := range t.frames {
		var msg Message
		if err := json.Unmarshal(frame, &msg); err == nil {
			decoded = append(decoded, msg)
		}
	}
	return decoded
}

func (t *fakeTransport) countObject(object string) int {
	count := 0
	for _, msg := range t.messages() {
		if msg.Object == object {
			count++
		}
	}
	return count
}

func (t *fakeTransport) waitForObject(object string, timeout time.Duration) (Message, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, msg := range t.messages() {
			if msg.Object == object {
				return msg, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return Message{}, false
}

func (t *fakeTransport) lastCloseCode() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.closeCodes) == 0 {
		return 0, false
	}
	return t.closeCodes[len(t.closeCodes)-1], true
}

type fetchCall struct {
	Auth       upstream.Auth
	ObjectType string
	ObjectID   string
}

type fakeSubscription struct {
	inbound  chan []byte
	shutdown chan struct{}
	once     sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		inbound:  make(chan []byte, 16),
		shutdown: make(chan struct{}),
	}
}

func (s *fakeSubscription) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-s.inbound:
		return websocket.TextMessage, raw, nil
	case <-s.shutdown:
		return 0, nil, errTransportClosed
	}
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.shutdown) })
	return nil
}

func (s *fakeSubscription) push(raw string) {
	s.inbound <- []byte(raw)
}

func (s *fakeSubscription) isClosed() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

type fakeUpstream struct {
	mu            sync.Mutex
	registerErr   error
	validateErr   error
	fetchErr      error
	fetchResult   json.RawMessage
	registerCalls []upstream.Auth
	fetches       []fetchCall
	subscriptions []*fakeSubscription
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{fetchResult: json.RawMessage(`{"meta":{"id":"fetched"}}`)}
}

func (u *fakeUpstream) RegisterWatcher(_ context.Context, auth upstream.Auth, _ upstream.WatcherSpec) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.registerErr != nil {
		return "", u.registerErr
	}
	u.registerCalls = append(u.registerCalls, auth)
	return fmt.Sprintf("watcher-%d", len(u.registerCalls)), nil
}

func (u *fakeUpstream) DialWatcher(_ context.Context, _ upstream.Auth, _ string) (SubscriptionConn, error) {
	sub := newFakeSubscription()
	u.mu.Lock()
	u.subscriptions = append(u.subscriptions, sub)
	u.mu.Unlock()
	return sub, nil
}

func (u *fakeUpstream) FetchObject(_ context.Context, auth upstream.Auth, objectType, id string) (json.RawMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fetchErr != nil {
		return nil, u.fetchErr
	}
	u.fetches = append(u.fetches, fetchCall{Auth: auth, ObjectType: objectType, ObjectID: id})
	return u.fetchResult, nil
}

func (u *fakeUpstream) Validate(_ context.Context, _ upstream.Auth) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.validateErr
}

func (u *fakeUpstream) setValidateErr(err error) {
	u.mu.Lock()
	u.validateErr = err
	u.mu.Unlock()
}

func (u *fakeUpstream) setRegisterErr(err error) {
	u.mu.Lock()
	u.registerErr = err
	u.mu.Unlock()
}

func (u *fakeUpstream) fetchCalls() []fetchCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]fetchCall(nil), u.fetches...)
}

func (u *fakeUpstream) registerCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.registerCalls)
}

func (u *fakeUpstream) registeredAuths() []upstream.Auth {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstream.Auth(nil), u.registerCalls...)
}

func (u *fakeUpstream) subscription(index int) *fakeSubscription {
	u.mu.Lock()
	defer u.mu.Unlock()
	if index >= len(u.subscriptions) {
		return nil
	}
	return u.subscriptions[index]
}

func (u *fakeUpstream) waitForSubscription(index int, timeout time.Duration) *fakeSubscription {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sub := u.subscription(index); sub != nil {
			return sub
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
