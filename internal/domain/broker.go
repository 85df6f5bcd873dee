package domain

import "context"

// OrderRouter submits and cancels orders at the broker. Calls may block, fail
// or time out; a successful Submit does not imply a fill.
type OrderRouter interface {
	Submit(ctx context.Context, req OrderRequest) (orderRef string, err error)
	Cancel(ctx context.Context, orderRef string) error
}

// FeedSubscriber manages live price subscriptions.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, key InstrumentKey) error
	Unsubscribe(ctx context.Context, key InstrumentKey) error
}

// PositionSource reports the broker's view of open positions.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)
}
