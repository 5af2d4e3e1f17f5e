package component

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType 事件类型
type EventType string

const (
	EventError   EventType = "error"
	EventWarning EventType = "warning"

	EventTransactionStarted   EventType = "transaction.started"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionFailed    EventType = "transaction.failed"
	EventTransactionTimedOut  EventType = "transaction.timed_out"

	EventAppRegistered   EventType = "app.registered"
	EventAppUnregistered EventType = "app.unregistered"

	EventHealthAlert EventType = "health.alert"
)

// Event is the payload published on the notification bus. Phase, Message
// and Timestamp form the stable contract every collaborator relies on.
type Event struct {
	Type      EventType      `json:"type"`
	Component string         `json:"component,omitempty"`
	Tenant    string         `json:"tenant,omitempty"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message"`
	Err       error          `json:"-"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(event Event)
}

// EventHandler 事件处理器
type EventHandler func(Event)

// Bus is the subscribe side of the notification system.
type Bus interface {
	Notifier
	Subscribe(eventType EventType, handler EventHandler) string
	Unsubscribe(subscriptionID string)
	Stop()
}

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter int64

// SimpleBus is a channel-backed Bus. Events are dispatched on a single
// background goroutine; when the buffer is full events are dropped rather
// than blocking publishers.
type SimpleBus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]EventHandler
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewBus 创建新的事件总线
func NewBus(logger *zap.Logger) *SimpleBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &SimpleBus{
		handlers: make(map[EventType]map[string]EventHandler),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go b.process()
	return b
}

// Notify 发布事件
func (b *SimpleBus) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.events <- event:
	case <-b.done:
	default:
		// 通道满时丢弃事件
		b.logger.Debug("event bus full, dropping event", zap.String("type", string(event.Type)))
	}
}

// Subscribe 订阅事件
func (b *SimpleBus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]EventHandler)
	}
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe 取消订阅
func (b *SimpleBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, handlers := range b.handlers {
		delete(handlers, subscriptionID)
	}
}

// Stop 停止事件总线
func (b *SimpleBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

func (b *SimpleBus) process() {
	for {
		select {
		case event := <-b.events:
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *SimpleBus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("type", string(event.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			h(event)
		}()
	}
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Event) {}
