package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	applog "outlay/internal/log"
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// Client publishes and consumes report job messages on a durable queue
// bound to a direct exchange. A broken connection is re-dialled lazily;
// repeated publish failures open a circuit breaker.
type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu          sync.Mutex
	conn        *amqp091.Connection
	channel     *amqp091.Channel
	lastFailure time.Time

	failureCount int64
	state        int32
}

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	return nil
}

func setup(ch *amqp091.Channel, exchange, queue string) error {
	err := ch.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// routing key equals the queue name on the direct exchange
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// ensureChannel returns an open channel, reconnecting when needed.
func (c *Client) ensureChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	slog.Info("AMQP connection re-established", "queue", c.queueName)
	return c.channel, nil
}

// PublishReportJob publishes a persistent message for jobID.
func (c *Client) PublishReportJob(ctx context.Context, jobID int64) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish job %d: circuit breaker is open", jobID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := NewReportJobMessage(jobID).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch, err := c.ensureChannel()
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish job %d: %w", jobID, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(
		pubCtx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.mu.Lock()
			c.closeLocked()
			c.mu.Unlock()
		}
		return fmt.Errorf("publish job %d: %w", jobID, err)
	}
	c.recordSuccess()

	slog.DebugContext(ctx, "Published report job message",
		applog.FieldJobID, jobID,
		"exchange", c.exchangeName,
		"queue", c.queueName)
	return nil
}

// Outcome tells the consumer how to settle a delivery.
type Outcome int

const (
	Ack Outcome = iota
	// Requeue returns the message to the queue for another worker.
	Requeue
	// Reject drops the message.
	Reject
)

// Handler processes one message. It runs on its own goroutine and must
// return when ctx is done.
type Handler func(ctx context.Context, msg *ReportJobMessage) Outcome

// ConsumeReportJobs delivers messages to handler with at most prefetch
// in flight, acknowledging manually. Lost connections are re-dialled with
// exponential backoff. It returns when ctx is done, after in-flight
// handlers have finished.
func (c *Client) ConsumeReportJobs(ctx context.Context, prefetch int, handler Handler) error {
	for attempt := 0; ; attempt++ {
		err := c.consumeOnce(ctx, prefetch, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isConnectionError(err) {
			return err
		}

		delay := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP consumer lost connection, retrying",
			"queue", c.queueName,
			applog.FieldRetryIn, delay.String(),
			applog.FieldError, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, prefetch int, handler Handler) error {
	ch, err := c.ensureChannel()
	if err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming report jobs",
		"queue", c.queueName,
		"prefetch", prefetch)

	return serveDeliveries(ctx, msgs, prefetch, handler)
}

// serveDeliveries runs handler for each delivery until ctx ends or msgs
// closes. Handlers get a context scoped to this connection: when the
// connection drops, their unacked messages go back to the broker, so they
// are cancelled rather than left running alongside a redelivered copy.
func serveDeliveries(ctx context.Context, msgs <-chan amqp091.Delivery, prefetch int, handler Handler) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(prefetch)
	stop := func(err error) error {
		cancel()
		g.Wait()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return stop(ctx.Err())
		case d, ok := <-msgs:
			if !ok {
				return stop(errDeliveriesClosed)
			}
			g.Go(func() error {
				handleDelivery(connCtx, d, handler)
				return nil
			})
		}
	}
}

func handleDelivery(ctx context.Context, d amqp091.Delivery, handler Handler) {
	msg, err := ReportJobMessageFromJSON(d.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode report job message",
			applog.FieldError, err)
		settle(ctx, d, Reject)
		return
	}
	settle(ctx, d, handler(ctx, msg))
}

func settle(ctx context.Context, d amqp091.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to settle message",
			"delivery_tag", d.DeliveryTag,
			"outcome", outcome,
			applog.FieldError, err)
	}
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
