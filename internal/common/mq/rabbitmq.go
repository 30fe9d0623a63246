package mq

import (
	"context"
	"sync"
	"time"

	judgeerr "fuzoj/pkg/errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig configures the AMQP connection.
type RabbitMQConfig struct {
	URL string

	// ChannelRetries is how many times channel creation is retried on
	// startup before giving up. ChannelBackoff is the delay between tries.
	ChannelRetries int
	ChannelBackoff time.Duration

	// DeclareBackoff is the delay between indefinite queue-declare retries.
	DeclareBackoff time.Duration
}

// DefaultRabbitMQConfig returns sane startup-backoff defaults matching the
// judging pipeline's reconnect policy: up to 5 channel-creation retries at
// 5s intervals, and indefinite queue-declare retries at 5s intervals.
func DefaultRabbitMQConfig(url string) RabbitMQConfig {
	return RabbitMQConfig{
		URL:            url,
		ChannelRetries: 5,
		ChannelBackoff: 5 * time.Second,
		DeclareBackoff: 5 * time.Second,
	}
}

// RabbitMQ implements MessageQueue over a single AMQP connection/channel
// using the default exchange, matching queue name = routing key.
type RabbitMQ struct {
	cfg  RabbitMQConfig
	conn *amqp.Connection

	mu       sync.Mutex
	channels map[string]*amqp.Channel

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRabbitMQ dials the broker and returns a ready MessageQueue. Channel
// creation is retried per cfg.ChannelRetries/ChannelBackoff.
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, judgeerr.Wrap(err, judgeerr.QueueConnectFailed)
	}
	return &RabbitMQ{
		cfg:      cfg,
		conn:     conn,
		channels: make(map[string]*amqp.Channel),
		stopCh:   make(chan struct{}),
	}, nil
}

// channelFor returns a channel dedicated to queue, opening and declaring it
// (with retry/backoff) on first use.
func (r *RabbitMQ) channelFor(queue string) (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[queue]; ok {
		return ch, nil
	}

	var ch *amqp.Channel
	var err error
	for attempt := 0; attempt <= r.cfg.ChannelRetries; attempt++ {
		ch, err = r.conn.Channel()
		if err == nil {
			break
		}
		if attempt == r.cfg.ChannelRetries {
			return nil, judgeerr.Wrap(err, judgeerr.QueueConnectFailed)
		}
		time.Sleep(r.cfg.ChannelBackoff)
	}

	for {
		_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
		if err == nil {
			break
		}
		select {
		case <-r.stopCh:
			return nil, judgeerr.Wrap(err, judgeerr.QueueConnectFailed)
		case <-time.After(r.cfg.DeclareBackoff):
		}
	}

	r.channels[queue] = ch
	return ch, nil
}

// Publish publishes one message to the default exchange with routing key
// = topic (the queue name).
func (r *RabbitMQ) Publish(ctx context.Context, topic string, message *Message) error {
	ch, err := r.channelFor(topic)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        message.Body,
		MessageId:   message.ID,
		Timestamp:   message.Timestamp,
	})
	if err != nil {
		return judgeerr.Wrap(err, judgeerr.QueuePublishFailed)
	}
	return nil
}

// PublishBatch publishes each message individually; the default exchange
// has no native batch primitive.
func (r *RabbitMQ) PublishBatch(ctx context.Context, topic string, messages []*Message) error {
	for _, m := range messages {
		if err := r.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe consumes topic with default options (prefetch 1, one worker).
func (r *RabbitMQ) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	opts := &SubscribeOptions{QueueName: topic}
	opts.SetDefaults()
	return r.SubscribeWithOptions(ctx, topic, handler, opts)
}

// SubscribeWithOptions consumes topic with a unique consumer tag (caller
// sets opts.QueueName to distinguish workers) and the given prefetch.
func (r *RabbitMQ) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	opts.SetDefaults()
	ch, err := r.channelFor(topic)
	if err != nil {
		return err
	}
	if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
		return judgeerr.Wrap(err, judgeerr.QueueConnectFailed)
	}

	consumerTag := opts.QueueName
	deliveries, err := ch.Consume(topic, consumerTag, false, false, false, false, nil)
	if err != nil {
		return judgeerr.Wrap(err, judgeerr.QueueConnectFailed)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				msg := &Message{
					ID:        delivery.MessageId,
					Body:      delivery.Body,
					Timestamp: delivery.Timestamp,
				}
				_ = handler(ctx, msg)
				// The judging pipeline acks unconditionally after terminal
				// processing — the sandbox is non-idempotent, so we never
				// ask the broker to redeliver a judged submission.
				_ = delivery.Ack(false)
			}
		}
	}()
	return nil
}

// Start is a no-op: SubscribeWithOptions already spawns its consumer loop.
func (r *RabbitMQ) Start() error { return nil }

// Stop signals every consumer goroutine to exit.
func (r *RabbitMQ) Stop() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	return nil
}

// Pause and Resume are not supported by the default-exchange consumer; the
// judging pipeline never pauses mid-delivery.
func (r *RabbitMQ) Pause() error  { return nil }
func (r *RabbitMQ) Resume() error { return nil }

// Ping verifies the underlying connection is still open.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return judgeerr.New(judgeerr.QueueConnectFailed)
	}
	return nil
}

// Close stops all consumers and closes the connection.
func (r *RabbitMQ) Close() error {
	_ = r.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		_ = ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
