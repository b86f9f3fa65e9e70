package realtime

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is the fanout exchange every instance publishes to.
	DefaultExchange = "securechat.events"

	headerKind   = "kind"
	headerOrigin = "origin"
	headerTarget = "target"
	headerUser   = "user"
)

// AMQPBroker relays frames between instances through a RabbitMQ fanout
// exchange. Each instance consumes from its own exclusive queue.
type AMQPBroker struct {
	conn     *amqp.Connection
	chn      *amqp.Channel
	exchange string
}

// DialAMQP connects to url and declares the exchange.
func DialAMQP(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	chn, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := chn.ExchangeDeclare(
		DefaultExchange, // name
		"fanout",        // kind
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		_ = chn.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange: %w", err)
	}
	return &AMQPBroker{conn: conn, chn: chn, exchange: DefaultExchange}, nil
}

// Publish sends one frame. Frames are transient; a user who is offline on
// every instance fetches the message over REST instead.
func (b *AMQPBroker) Publish(ctx context.Context, msg BrokerMessage) error {
	return b.chn.PublishWithContext(
		ctx,
		b.exchange, // exchange
		"",         // routing key, ignored by fanout
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Headers: amqp.Table{
				headerKind:   string(msg.Kind),
				headerOrigin: msg.Origin,
				headerTarget: msg.Target,
				headerUser:   msg.UserID,
			},
			Body: msg.Frame,
		},
	)
}

// Consume binds a server-named exclusive queue to the exchange and feeds
// fn until ctx is done or the delivery channel closes.
func (b *AMQPBroker) Consume(ctx context.Context, fn func(BrokerMessage)) error {
	q, err := b.chn.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("amqp queue: %w", err)
	}
	if err := b.chn.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp bind: %w", err)
	}
	deliveries, err := b.chn.ConsumeWithContext(ctx,
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			msg, ok := brokerMessageFrom(d)
			if !ok {
				continue
			}
			fn(msg)
		}
	}
}

func brokerMessageFrom(d amqp.Delivery) (BrokerMessage, bool) {
	kind, _ := d.Headers[headerKind].(string)
	origin, _ := d.Headers[headerOrigin].(string)
	target, _ := d.Headers[headerTarget].(string)
	user, _ := d.Headers[headerUser].(string)
	if user == "" {
		return BrokerMessage{}, false
	}
	return BrokerMessage{
		Kind:   BrokerKind(kind),
		Origin: origin,
		Target: target,
		UserID: user,
		Frame:  d.Body,
	}, true
}

func (b *AMQPBroker) Close() error {
	if err := b.chn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
