package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderFilled, 1)

	bus.Publish(EventOrderFilled, Fill{OrderID: "o1"})
	bus.Publish(EventOrderFilled, Fill{OrderID: "o2"}) // buffer full
	assert.Equal(t, int64(1), bus.Dropped())

	got := (<-ch).(Fill)
	assert.Equal(t, "o1", got.OrderID)

	unsub()
	_, open := <-ch
	assert.False(t, open)
	bus.Publish(EventOrderFilled, Fill{OrderID: "o3"})
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.closed
}

func TestKafkaSinkForwardsFills(t *testing.T) {
	bus := NewBus()
	w := &fakeWriter{}
	ctx, cancel := context.WithCancel(context.Background())

	NewKafkaSink(bus, w, nil).Start(ctx)
	bus.Publish(EventOrderFilled, Fill{OrderID: "o1", PlayerUUID: "p1", Qty: 2})

	require.Eventually(t, func() bool {
		msgs, _ := w.snapshot()
		return len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		_, closed := w.snapshot()
		return closed
	}, time.Second, 10*time.Millisecond)

	msgs, _ := w.snapshot()
	assert.Equal(t, "p1", string(msgs[0].Key))
	var fill Fill
	require.NoError(t, json.Unmarshal(msgs[0].Value, &fill))
	assert.Equal(t, "o1", fill.OrderID)
	assert.Equal(t, 2.0, fill.Qty)
}
