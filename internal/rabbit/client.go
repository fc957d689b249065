package rabbit

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/zlog"
)

// Exchange carrying row-change and identity messages. Routing keys are
// "<table>.<scope>", e.g. "events.org.<id>" or "registrations.event.<id>".
const changesExchange = "vhub.changes"

type Client struct {
	conn *amqp.Connection
}

func NewClient(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to connect to RabbitMQ")
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		zlog.Logger.Error().Err(err).Msg("failed to open RabbitMQ channel")
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		changesExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to declare exchange")
		_ = conn.Close()
		return nil, err
	}

	zlog.Logger.Info().Msgf("RabbitMQ initialized (exchange=%s)", changesExchange)

	return &Client{conn: conn}, nil
}

func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	zlog.Logger.Info().Msg("RabbitMQ connection closed")
}

// Publish sends message under the given routing key.
func (c *Client) Publish(routingKey string, message []byte) error {
	ch, err := c.conn.Channel()
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to open channel for publish")
		return err
	}
	defer ch.Close()

	err = ch.Publish(
		changesExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        message,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to publish message to RabbitMQ")
	} else {
		zlog.Logger.Debug().Msgf("Message published key=%s", routingKey)
	}
	return err
}

// Subscription is one open change channel. Close cancels the consumer
// and drops the queue; after Close returns no further deliveries reach
// the handler.
type Subscription struct {
	ch    *amqp.Channel
	queue string
	tag   string
	done  chan struct{}
}

func (s *Subscription) Close() error {
	if err := s.ch.Cancel(s.tag, false); err != nil {
		zlog.Logger.Warn().Err(err).Msgf("failed to cancel consumer %s", s.tag)
	}
	if _, err := s.ch.QueueDelete(s.queue, false, false, false); err != nil {
		zlog.Logger.Warn().Err(err).Msgf("failed to delete queue %s", s.queue)
	}
	err := s.ch.Close()
	<-s.done
	return err
}

// Subscribe opens an exclusive queue bound to the given routing keys
// and delivers message bodies to handler from a dedicated goroutine.
func (c *Client) Subscribe(name string, routingKeys []string, handler func([]byte) error) (*Subscription, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to open channel for subscribe")
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		zlog.Logger.Error().Err(err).Msg("failed to declare queue")
		return nil, err
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, changesExchange, false, nil); err != nil {
			_ = ch.Close()
			zlog.Logger.Error().Err(err).Msgf("failed to bind queue to %s", key)
			return nil, err
		}
	}

	tag := fmt.Sprintf("%s-%s", name, q.Name)
	msgs, err := ch.Consume(
		q.Name,
		tag,
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		zlog.Logger.Error().Err(err).Msg("failed to start consuming messages")
		return nil, err
	}

	sub := &Subscription{ch: ch, queue: q.Name, tag: tag, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				zlog.Logger.Warn().Msgf("failed to process message: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}()

	zlog.Logger.Info().Msgf("Started consuming from queue %s (keys=%v)", q.Name, routingKeys)
	return sub, nil
}
