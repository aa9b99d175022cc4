package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	dialMaxDelay   = 60 * time.Second
	publishTimeout = 5 * time.Second
)

// ConnectionOptions configures the broker dial.
type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        zerolog.Logger
}

// DialWithRetry connects to the broker with exponential backoff, respecting
// context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info().Int("attempt", i).Msg("broker connected")
			}
			return conn, nil
		}
		lastErr = err

		sleep := cfg.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > dialMaxDelay {
			sleep = dialMaxDelay
		}
		cfg.Logger.Warn().
			Int("attempt", i).
			Dur("sleep", sleep).
			Err(err).
			Msg("broker dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w",
		cfg.RetryAttempts, lastErr)
}

// AMQPNotifier publishes handoff notifications to a durable topic exchange.
// Routing keys are "handoff.<kind>", so operator-channel consumers bind only
// to the kinds they care about.
type AMQPNotifier struct {
	conn     *amqp091.Connection
	exchange string
	log      zerolog.Logger
}

// NewAMQPNotifier declares the exchange and returns a publisher over conn.
func NewAMQPNotifier(conn *amqp091.Connection, exchange string, lg zerolog.Logger) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, err
	}
	return &AMQPNotifier{conn: conn, exchange: exchange, log: lg}, nil
}

// HandoffRequested publishes a "handoff.requested" notification.
func (n *AMQPNotifier) HandoffRequested(ctx context.Context, dialogID, reason, lastUserText string) {
	n.publish(ctx, Notification{
		Kind:     KindRequested,
		DialogID: dialogID,
		Reason:   reason,
		UserText: lastUserText,
	})
}

// HandoffResolved publishes a "handoff.resolved" notification.
func (n *AMQPNotifier) HandoffResolved(ctx context.Context, dialogID, operatorID string) {
	n.publish(ctx, Notification{
		Kind:       KindResolved,
		DialogID:   dialogID,
		OperatorID: operatorID,
	})
}

func (n *AMQPNotifier) publish(ctx context.Context, note Notification) {
	note.ID = uuid.NewString()
	note.At = time.Now().UTC()
	key := "handoff." + note.Kind

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := n.doPublish(ctx, key, note)
	if err != nil {
		n.log.Error().Err(err).
			Str("key", key).
			Str("dialog_id", note.DialogID).
			Msg("handoff notification failed")
		return
	}
	n.log.Debug().Str("key", key).Str("dialog_id", note.DialogID).Msg("notification published")
}

func (n *AMQPNotifier) doPublish(ctx context.Context, key string, note Notification) error {
	ch, err := n.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(
		ctx, n.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    note.ID,
			Timestamp:    note.At,
			Body:         body,
		},
	)
}

// Close tears down the broker connection.
func (n *AMQPNotifier) Close() error { return n.conn.Close() }
