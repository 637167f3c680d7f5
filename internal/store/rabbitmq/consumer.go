package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const maxConcurrency = 50

// JobHandler processes one job id. A non-nil error dead-letters the message.
type JobHandler func(ctx context.Context, jobID string) error

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
}

// ClampConcurrency bounds a configured worker count to [1, 50], using def for
// non-positive values.
func ClampConcurrency(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n <= 0 {
		n = 1
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	concurrency = ClampConcurrency(concurrency, 2)
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "qos")
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency}, nil
}

func (c *Consumer) Concurrency() int { return c.concurrency }

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs to finish.
func (c *Consumer) Run(ctx context.Context, handle JobHandler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	Dispatch(ctx, msgs, c.concurrency, handle)
	return nil
}

// Dispatch feeds deliveries to a pool of workers. Each delivery is acked after
// a successful handle and nacked without requeue otherwise, so failures land
// in the dead-letter queue.
//
// Cancelling ctx stops intake only. Handlers run on a context detached from
// it, so a job already started is driven to its terminal state; buffered
// deliveries that no worker picked up yet are requeued.
func Dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, handle JobHandler) {
	concurrency = ClampConcurrency(concurrency, 2)
	jobs := make(chan amqp.Delivery, concurrency*2)
	handleCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				if ctx.Err() != nil {
					_ = d.Nack(false, true)
					continue
				}
				handleDelivery(handleCtx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, workerID int, d amqp.Delivery, handle JobHandler) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn().Err(err).Int("worker", workerID).Msg("bad job message")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, m.JobID); err != nil {
		log.Error().Err(err).Int("worker", workerID).Str("job_id", m.JobID).Dur("cost", time.Since(start)).Msg("job handling failed")
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Warn().Err(err).Int("worker", workerID).Str("job_id", m.JobID).Msg("ack failed")
	}
}
