package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "trading"

	// Wait window for Return / Confirm
	publishWait = 250 * time.Millisecond
)

// Transport publishes execution messages to a durable topic exchange with
// publisher confirms and mandatory routing. The logical topic maps to the
// routing key; the message key rides as MessageId.
type Transport struct {
	url      string
	exchange string

	mu sync.Mutex

	conn *amqp.Connection
	ch   *amqp.Channel

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func NewTransport(url, exchange string) (*Transport, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	t := &Transport{
		url:      url,
		exchange: exchange,
	}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) connect() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	// enable publisher confirms
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	t.conn = conn
	t.ch = ch

	t.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	t.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))

	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	return nil
}

// Publish sends one JSON body with mandatory + confirms. key MUST be stable
// across retries so downstream dedup works.
func (t *Transport) Publish(ctx context.Context, topic, key string, body []byte) error {
	if topic == "" {
		return errors.New("missing topic")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("missing message key")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil {
		return errors.New("transport channel not ready")
	}

	err := t.ch.PublishWithContext(
		ctx,
		t.exchange,
		topic,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    key,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	// Wait for either Return (NO_ROUTE) or Confirm
	select {
	case ret := <-t.returnCh:
		return errors.New("NO_ROUTE: " + ret.RoutingKey)
	case conf := <-t.confirmCh:
		if !conf.Ack {
			return errors.New("publish nack")
		}
		return nil
	case <-time.After(publishWait):
		// best-effort window; publishing is at-least-once and the
		// downstream consumer dedups on MessageId
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
