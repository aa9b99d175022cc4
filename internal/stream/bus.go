package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const busTopic = "handoff.events"

// Bus fans events out to every subscribed server instance. Subscribe hands
// back a channel closed when ctx is cancelled; the caller filters by dialog.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// ChannelBus is the single-instance Bus built on watermill's in-process
// gochannel pubsub.
type ChannelBus struct {
	ps *gochannel.GoChannel
}

// NewChannelBus builds an in-process bus logging through lg.
func NewChannelBus(lg zerolog.Logger) *ChannelBus {
	return &ChannelBus{
		ps: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, newWatermillLogger(lg)),
	}
}

func (b *ChannelBus) Publish(ctx context.Context, ev Event) error {
	return publishEvent(b.ps, ev)
}

func (b *ChannelBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.ps.Subscribe(ctx, busTopic)
	if err != nil {
		return nil, err
	}
	return pumpEvents(ctx, msgs), nil
}

func (b *ChannelBus) Close() error { return b.ps.Close() }

// RedisBus bridges instances through a Redis Stream so events published on
// one server reach clients connected to another. Every instance subscribes
// with its own consumer group and therefore sees every event.
type RedisBus struct {
	pub message.Publisher
	sub message.Subscriber

	mu     sync.Mutex
	closed bool
}

// NewRedisBus wires a watermill redisstream publisher/subscriber pair over
// rdb. group must be unique per instance; sharing a group would shard events
// between instances instead of broadcasting them.
func NewRedisBus(rdb redis.UniversalClient, group, consumer string, lg zerolog.Logger) (*RedisBus, error) {
	wlog := newWatermillLogger(lg)
	marshaller := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     rdb,
		Marshaller: marshaller,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: %w", err)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        rdb,
		Unmarshaller:  marshaller,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("redis subscriber: %w", err)
	}
	return &RedisBus{pub: pub, sub: sub}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	return publishEvent(b.pub, ev)
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.sub.Subscribe(ctx, busTopic)
	if err != nil {
		return nil, err
	}
	return pumpEvents(ctx, msgs), nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	perr := b.pub.Close()
	serr := b.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

func publishEvent(pub message.Publisher, ev Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("dialog_id", ev.DialogID)
	msg.Metadata.Set("type", ev.Type)
	return pub.Publish(busTopic, msg)
}

func pumpEvents(ctx context.Context, msgs <-chan *message.Message) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := Decode(msg.Payload)
				// Always ack: the durable log is the Store, the bus is
				// only a live fan-out, so redelivery buys nothing.
				msg.Ack()
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// watermillLogger adapts zerolog to watermill's LoggerAdapter.
type watermillLogger struct {
	lg zerolog.Logger
}

func newWatermillLogger(lg zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{lg: lg.With().Str("component", "watermill").Logger()}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.lg.Error().Err(err), msg, fields)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.lg.Info(), msg, fields)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.lg.Debug(), msg, fields)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.lg.Trace(), msg, fields)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	lg := w.lg
	for k, v := range fields {
		lg = lg.With().Interface(k, v).Logger()
	}
	return &watermillLogger{lg: lg}
}

func (w *watermillLogger) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
