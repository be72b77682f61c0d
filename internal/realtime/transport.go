package realtime

import (
	"context"
)

// TransportStatus is the channel status reported by a transport.
type TransportStatus string

const (
	StatusSubscribed   TransportStatus = "SUBSCRIBED"
	StatusChannelError TransportStatus = "CHANNEL_ERROR"
	StatusTimedOut     TransportStatus = "TIMED_OUT"
	StatusClosed       TransportStatus = "CLOSED"
)

// SubscribeRequest describes one table subscription. Callbacks may be
// invoked from any goroutine.
type SubscribeRequest struct {
	Channel   string
	Table     string
	OnPayload func(RawPayload)
	OnStatus  func(TransportStatus, error)
}

// Subscription is a live transport subscription.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Transport delivers every change of a table. Reconnection, if any, is the
// transport's own concern.
type Transport interface {
	Subscribe(ctx context.Context, request SubscribeRequest) (Subscription, error)
}

func (r SubscribeRequest) emitStatus(status TransportStatus, err error) {
	if r.OnStatus != nil {
		r.OnStatus(status, err)
	}
}

func (r SubscribeRequest) emitPayload(payload RawPayload) {
	if r.OnPayload != nil {
		r.OnPayload(payload)
	}
}
