package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tracking-core/internal/events"
	"tracking-core/pkg/logger"
)

// Monitor watches risk and close events and forwards alerts to a sink.
type Monitor struct {
	Bus   *events.Bus
	Sink  AlertSink
	Rules Rules
	Log   *zap.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	log := logger.OrNop(m.Log).Named("monitor")
	if m.Bus == nil || m.Sink == nil {
		log.Info("monitor not fully configured; skipping")
		return
	}
	triggers, unsubTriggers := m.Bus.Subscribe(events.EventRiskTrigger, 50)
	closed, unsubClosed := m.Bus.Subscribe(events.EventPositionClosed, 50)
	go func() {
		defer unsubTriggers()
		defer unsubClosed()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-triggers:
				if !ok {
					return
				}
				m.dispatch(log, events.EventRiskTrigger, msg)
			case msg, ok := <-closed:
				if !ok {
					return
				}
				m.dispatch(log, events.EventPositionClosed, msg)
			}
		}
	}()
}

func (m *Monitor) dispatch(log *zap.Logger, e events.Event, payload any) {
	text, ok := m.Rules.Evaluate(e, payload)
	if !ok {
		return
	}
	if err := m.Sink.Send(formatAlert(text)); err != nil {
		log.Warn("alert delivery failed", zap.String("event", string(e)), zap.Error(err))
	}
}

func formatAlert(msg string) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + msg
}
