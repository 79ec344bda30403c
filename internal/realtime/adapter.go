package realtime

import (
	"context"
	"encoding/json"

	"github.com/opsdash/console/internal/upstream"
)

// clientAdapter narrows *upstream.Client to the Upstream interface; the
// dialer's concrete websocket connection is returned as a SubscriptionConn.
type clientAdapter struct {
	client *upstream.Client
}

// NewUpstreamAdapter wraps the configuration API client for use by the hub
// and watcher supervisors.
func NewUpstreamAdapter(client *upstream.Client) Upstream {
	return clientAdapter{client: client}
}

func (a clientAdapter) RegisterWatcher(ctx context.Context, auth upstream.Auth, spec upstream.WatcherSpec) (string, error) {
	return a.client.RegisterWatcher(ctx, auth, spec)
}

func (a clientAdapter) DialWatcher(ctx context.Context, auth upstream.Auth, watcherID string) (SubscriptionConn, error) {
	return a.client.DialWatcher(ctx, auth, watcherID)
}

func (a clientAdapter) FetchObject(ctx context.Context, auth upstream.Auth, objectType, id string) (json.RawMessage, error) {
	return a.client.FetchObject(ctx, auth, objectType, id)
}

func (a clientAdapter) Validate(ctx context.Context, auth upstream.Auth) error {
	return a.client.Validate(ctx, auth)
}
