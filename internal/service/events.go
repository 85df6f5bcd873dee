package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// Channel and stream carrying position lifecycle events.
const (
	PositionsChannel = "positions"
	PositionsStream  = "position_events"
)

// eventSink publishes lifecycle events to the signal bus and the audit log.
// Either may be nil. Failures are logged and never fail the transition.
type eventSink struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger
}

func (s eventSink) emit(ctx context.Context, evt domain.PositionEvent) {
	if s.bus != nil {
		payload, _ := json.Marshal(evt)
		if err := s.bus.Publish(ctx, PositionsChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("event", evt.Event),
				slog.String("tracker_id", evt.TrackerID),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, PositionsStream, payload); err != nil {
			s.logger.WarnContext(ctx, "stream append failed",
				slog.String("event", evt.Event),
				slog.String("tracker_id", evt.TrackerID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, evt.Event, evt.Detail()); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", evt.Event),
				slog.String("tracker_id", evt.TrackerID),
				slog.String("error", err.Error()),
			)
		}
	}
}
