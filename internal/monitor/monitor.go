package monitor

import (
	"context"
	"fmt"
	"time"

	"market-core/internal/events"
)

// casRejection is the rejection code published for a lost version race.
const casRejection = "CONCURRENT_MODIFICATION"

// Monitor turns ledger repairs and lost CAS races into operator alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		return
	}
	repairs, unsubRepairs := m.Bus.Subscribe(events.EventHoldingRepaired, 50)
	rejections, unsubRejections := m.Bus.Subscribe(events.EventOrderRejected, 50)
	go func() {
		defer unsubRepairs()
		defer unsubRejections()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-repairs:
				if !ok {
					return
				}
				_ = m.Sink.Send(formatAlert(msg))
			case msg, ok := <-rejections:
				if !ok {
					return
				}
				// Other rejections are ordinary player outcomes.
				if r, isRejection := msg.(events.Rejection); isRejection && r.Code == casRejection {
					_ = m.Sink.Send(formatAlert(r))
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case events.Repair:
		return fmt.Sprintf("holding repaired: player=%s instrument=%s qty %g -> %g",
			t.PlayerUUID, t.InstrumentID, t.ActualQty, t.ExpectedQty)
	case events.Rejection:
		return fmt.Sprintf("version conflict: player=%s instrument=%s side=%s qty %g",
			t.PlayerUUID, t.InstrumentID, t.Side, t.Qty)
	case string:
		return t
	default:
		return "alert triggered"
	}
}
