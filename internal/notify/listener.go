// Package notify subscribes to the sync server's change feed and wakes the
// engine when remote data changes. The listener is advisory: sync correctness
// never depends on it, so its failures stay out of the circuit breaker.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/billfold/ledgersync/internal/observability"
)

const (
	maxReconnectInterval = 30 * time.Second
	readLimit            = 64 * 1024
)

// changeFrame is one server notification. Frames with an unknown shape are
// ignored rather than treated as errors.
type changeFrame struct {
	Event      string    `json:"event"`
	BusinessID uuid.UUID `json:"business_id"`
}

// Listener maintains a websocket subscription to the change feed and invokes
// trigger for every frame addressed to one of the watched owners.
type Listener struct {
	url     string
	owners  map[uuid.UUID]struct{}
	trigger func()
}

// NewListener watches the feed at url for the given owners. An empty owner
// list watches everything.
func NewListener(url string, owners []uuid.UUID, trigger func()) *Listener {
	watched := make(map[uuid.UUID]struct{}, len(owners))
	for _, owner := range owners {
		watched[owner] = struct{}{}
	}
	return &Listener{url: url, owners: watched, trigger: trigger}
}

// Run connects and reads frames until ctx is cancelled, reconnecting with
// exponential backoff after any failure.
func (l *Listener) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxInterval = maxReconnectInterval

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.Dial(ctx, l.url, nil)
		if err != nil {
			observability.Log().Error("dial change feed",
				observability.F("url", l.url), observability.F("error", err))
			sleep := reconnect.NextBackOff()
			if sleep == backoff.Stop || sleep <= 0 {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(readLimit)
		reconnect.Reset()
		observability.Log().Info("change feed connected", observability.F("url", l.url))

		if err := l.readFrames(ctx, conn); err != nil && ctx.Err() == nil {
			observability.Log().Error("change feed read", observability.F("error", err))
		}
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

func (l *Listener) readFrames(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var frame changeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.Log().Debug("ignoring malformed change frame", observability.F("error", err))
			continue
		}
		if !l.watches(frame.BusinessID) {
			continue
		}

		observability.Log().Debug("remote change notification",
			observability.F("owner", frame.BusinessID), observability.F("event", frame.Event))
		observability.Telemetry().IncCounter("ledgersync_wake_notifications_total", 1, nil)
		l.trigger()
	}
}

func (l *Listener) watches(owner uuid.UUID) bool {
	if len(l.owners) == 0 {
		return true
	}
	_, ok := l.owners[owner]
	return ok
}
