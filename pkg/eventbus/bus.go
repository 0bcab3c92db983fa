package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventHandler consumes one decoded event.
type EventHandler func(ctx context.Context, event Event) error

// Bus is a typed wrapper over a watermill publisher/subscriber pair.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu       sync.Mutex
	handlers map[EventType][]EventHandler
}

// New wraps an existing publisher and subscriber.
func New(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		handlers:   make(map[EventType][]EventHandler),
	}
}

// NewInProcess builds a bus backed by watermill's in-memory gochannel
// pub/sub, the transport used by the single-process engine.
func NewInProcess() *Bus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
			Persistent:          false,
		},
		watermill.NopLogger{},
	)

	return New(pubSub, pubSub)
}

// Publish encodes the event and sends it on the shared topic. The key groups
// related events (usually the node or board ID).
func (b *Bus) Publish(_ context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(EventMetadataKey, key)
	msg.Metadata.Set(EventTypeMetadataKey, string(event.GetType()))

	return b.publisher.Publish(Topic, msg)
}

// Handle registers a handler for one event type. Handlers must be registered
// before Subscribe starts the pump.
func (b *Bus) Handle(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Subscribe starts delivering events to registered handlers until the
// context is cancelled.
func (b *Bus) Subscribe(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			b.dispatch(ctx, msg)
		}
	}()

	return nil
}

func (b *Bus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := EventType(msg.Metadata.Get(EventTypeMetadataKey))

	b.mu.Lock()
	handlers := append([]EventHandler(nil), b.handlers[eventType]...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		msg.Ack()

		return
	}

	event := newEvent(eventType)
	if event == nil {
		msg.Nack()

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		msg.Nack()

		return
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			msg.Nack()

			return
		}
	}

	msg.Ack()
}

func newEvent(eventType EventType) Event {
	switch eventType {
	case FlowStateChangedEvent:
		return &FlowStateChanged{}
	case NodeOutputChangedEvent:
		return &NodeOutputChanged{}
	case NodeExecutedEvent:
		return &NodeExecuted{}
	case NodeFailedEvent:
		return &NodeFailed{}
	case BoardStateChangedEvent:
		return &BoardStateChanged{}
	case PinChangedEvent:
		return &PinChanged{}
	default:
		return nil
	}
}

// Close shuts down the underlying transport.
func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
