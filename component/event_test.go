package component

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 事件总线测试
// =============================================================================

func TestSimpleBus_NotifyDelivers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var received atomic.Int32
	bus.Subscribe(EventAppRegistered, func(e Event) {
		received.Add(1)
	})

	bus.Notify(Event{Type: EventAppRegistered, Tenant: "billing"})

	assert.Eventually(t, func() bool { return received.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSimpleBus_TypeFiltering(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var errors atomic.Int32
	bus.Subscribe(EventError, func(e Event) {
		errors.Add(1)
	})

	bus.Notify(Event{Type: EventWarning})
	bus.Notify(Event{Type: EventError})
	bus.Notify(Event{Type: EventHealthAlert})

	assert.Eventually(t, func() bool { return errors.Load() == 1 },
		time.Second, 10*time.Millisecond)
	// 给错误类型之外的事件一点分发时间，确认它们没有串台
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), errors.Load())
}

func TestSimpleBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var count atomic.Int32
	id := bus.Subscribe(EventTransactionFailed, func(e Event) {
		count.Add(1)
	})

	bus.Notify(Event{Type: EventTransactionFailed})
	assert.Eventually(t, func() bool { return count.Load() == 1 },
		time.Second, 10*time.Millisecond)

	bus.Unsubscribe(id)
	bus.Notify(Event{Type: EventTransactionFailed})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestSimpleBus_HandlerPanicIsolated(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	var survived atomic.Bool
	bus.Subscribe(EventError, func(e Event) { panic("handler exploded") })
	bus.Subscribe(EventError, func(e Event) { survived.Store(true) })

	bus.Notify(Event{Type: EventError})

	assert.Eventually(t, survived.Load, time.Second, 10*time.Millisecond,
		"a panicking handler must not take down its siblings")
}

func TestSimpleBus_StampsTimestamp(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Stop()

	got := make(chan Event, 1)
	bus.Subscribe(EventWarning, func(e Event) { got <- e })

	bus.Notify(Event{Type: EventWarning})

	select {
	case e := <-got:
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestNopNotifier(t *testing.T) {
	// 只要不 panic 即可
	NopNotifier{}.Notify(Event{Type: EventError})
}
