package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// Downstream wire message object labels.
const (
	ObjectWebsocket           = "websocket"
	ObjectPing                = "ping"
	ObjectWatcherStatus       = "WATCHER"
	ObjectExpiredAuth         = "WS_EXPIRED_AUTH"
	ObjectMetricsReady        = "metricsDatabaseReady"
	ObjectMetricsDisconnected = "metricsDatabaseDisconnected"
)

// Watcher status values carried in the data field of WATCHER messages.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// MessageIDAccountUpdate identifies the inbound account-context switch message.
const MessageIDAccountUpdate = "WS_MESSAGE_ACCOUNT_UPDATE"

// CloseExpiredAuth is the close code sent when the session token has expired.
const CloseExpiredAuth = 4403

// Message is the JSON envelope pushed to the browser connection.
type Message struct {
	Object  string      `json:"object"`
	Method  string      `json:"method,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ConnectedMessage greets a freshly opened connection.
func ConnectedMessage() Message {
	return Message{Object: ObjectWebsocket, Data: "connected", Message: "Connected to system"}
}

// PingMessage is the heartbeat payload.
func PingMessage() Message {
	return Message{Object: ObjectPing}
}

// WatcherStatusMessage reports change-notification subscription health.
func WatcherStatusMessage(status, detail string) Message {
	return Message{Object: ObjectWatcherStatus, Data: status, Message: detail}
}

// ObjectMessage fans out a changed object to the browser.
func ObjectMessage(objectType, method string, data json.RawMessage) Message {
	return Message{Object: objectType, Method: method, Data: data}
}

// DeletedMessage fans out a deletion; no object fetch is involved.
func DeletedMessage(objectType, id string) Message {
	return Message{Object: objectType, Method: "DELETE", Data: map[string][]string{"ids": {id}}}
}

// ExpiredAuthMessage is the terminal message before an expired-auth close.
func ExpiredAuthMessage() Message {
	return Message{Object: ObjectExpiredAuth, Message: "Expired token"}
}

// MetricsStatusMessage reports metrics database readiness.
func MetricsStatusMessage(ready bool) Message {
	if ready {
		return Message{Object: ObjectMetricsReady}
	}
	return Message{Object: ObjectMetricsDisconnected}
}

type inboundMessage struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
}

// Notification is one decoded change notification from the upstream watcher
// stream.
type Notification struct {
	Method     string
	ObjectType string
	ObjectID   string
	Scope      map[string]string
}

var errEmptyNotification = errors.New("realtime: notification missing object type")

// scopeObjectIDKey is the scope property carrying the object id when the
// notification URI omits it, which happens for PATCH notifications.
const scopeObjectIDKey = "meta.id"

// scopeHeartbeatKey marks synthetic keepalive notifications emitted for the
// node summary object; these never reach the browser.
const scopeHeartbeatKey = "serviceHeartbeat"

func parseNotification(raw []byte) (Notification, error) {
	var wire struct {
		Method     string            `json:"method"`
		TrimmedURI string            `json:"trimmedURI"`
		Scope      map[string]string `json:"scope"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Notification{}, err
	}

	uri := wire.TrimmedURI
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	segments := strings.Split(strings.Trim(uri, "/"), "/")

	notification := Notification{
		Method: strings.ToUpper(strings.TrimSpace(wire.Method)),
		Scope:  wire.Scope,
	}
	if len(segments) > 0 {
		notification.ObjectType = segments[0]
	}
	if len(segments) > 1 {
		notification.ObjectID = segments[1]
	}
	if notification.ObjectID == "" {
		notification.ObjectID = wire.Scope[scopeObjectIDKey]
	}
	if notification.ObjectType == "" {
		return Notification{}, errEmptyNotification
	}
	return notification, nil
}
