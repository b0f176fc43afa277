package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const attemptHeader = "x-attempt"

// RabbitMQQueue is the durable Queue. Each logical queue maps to a durable
// AMQP queue; delayed and retried jobs wait in <queue>.retry.<ms> queues whose
// TTL dead-letters them back into <queue>, and jobs that fail for good are
// parked in <queue>.failed.
type RabbitMQQueue struct {
	conn        *amqp.Connection
	pubMu       sync.Mutex
	pub         *amqp.Channel
	store       StatusStore
	backoff     Backoff
	maxAttempts int

	mu       sync.Mutex
	declared map[string]bool
	subs      map[string]*subscription
	consumers []consumer
	started  bool
	wg       sync.WaitGroup
}

// NewRabbitMQQueue dials the broker and declares nothing until first use.
func NewRabbitMQQueue(url string, store StatusStore, backoff Backoff, maxAttempts int) (*RabbitMQQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RabbitMQQueue{
		conn:        conn,
		pub:         pub,
		store:       store,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		declared:    make(map[string]bool),
		subs:        make(map[string]*subscription),
	}, nil
}

func (q *RabbitMQQueue) declare(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[name] {
		return nil
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if _, err := q.pub.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	if _, err := q.pub.QueueDeclare(name+".failed", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s.failed: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

// declareDelay returns a holding queue for delay d. One queue per distinct
// delay keeps expiry FIFO; idle holding queues delete themselves.
func (q *RabbitMQQueue) declareDelay(name string, d time.Duration) (string, error) {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	retryName := name + ".retry." + strconv.FormatInt(ms, 10)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[retryName] {
		return retryName, nil
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
		"x-message-ttl":             ms,
		"x-expires":                 ms + int64(time.Hour/time.Millisecond),
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if _, err := q.pub.QueueDeclare(retryName, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare %s: %w", retryName, err)
	}
	q.declared[retryName] = true
	return retryName, nil
}

func (q *RabbitMQQueue) publish(routingKey, id string, attempt int, body []byte) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	return q.pub.Publish("", routingKey, false, false, amqp.Publishing{
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// send routes a job to its queue, or through a holding queue when delayed.
func (q *RabbitMQQueue) send(name, id string, attempt int, body []byte, delay time.Duration) error {
	if err := q.declare(name); err != nil {
		return err
	}
	target := name
	if delay > 0 {
		var err error
		if target, err = q.declareDelay(name, delay); err != nil {
			return err
		}
	}
	return q.publish(target, id, attempt, body)
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", name, err)
	}
	id := o.jobID
	if id == "" {
		id = uuid.NewString()
	}

	// Recorded before publishing: a consumer may finish the job before
	// Publish returns.
	if err := q.store.SetState(ctx, id, name, StateWaiting, 0, ""); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("failed to record job state")
	}
	if err := q.send(name, id, 1, body, o.delay); err != nil {
		if serr := q.store.SetState(ctx, id, name, StateFailed, 0, err.Error()); serr != nil {
			log.Warn().Err(serr).Str("job_id", id).Msg("failed to record job state")
		}
		return "", fmt.Errorf("publish to %s: %w", name, err)
	}
	return id, nil
}

func (q *RabbitMQQueue) Subscribe(name string, concurrency int, h Handler, opts ...SubscribeOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("subscribe to %s after start", name)
	}
	if _, ok := q.subs[name]; ok {
		return fmt.Errorf("queue %s already has a subscriber", name)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sub := &subscription{queue: name, concurrency: concurrency, handler: h}
	for _, opt := range opts {
		opt(sub)
	}
	q.subs[name] = sub
	return nil
}

// Start opens one channel per subscription with prefetch equal to its
// concurrency and runs that many consumers on it.
func (q *RabbitMQQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	subs := make([]*subscription, 0, len(q.subs))
	for _, s := range q.subs {
		subs = append(subs, s)
	}
	q.mu.Unlock()

	for _, sub := range subs {
		if err := q.declare(sub.queue); err != nil {
			return err
		}

		ch, err := q.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for %s: %w", sub.queue, err)
		}
		if err := ch.Qos(sub.concurrency, 0, false); err != nil {
			return fmt.Errorf("set qos for %s: %w", sub.queue, err)
		}
		tag := "smsblast-" + sub.queue + "-" + uuid.NewString()[:8]
		deliveries, err := ch.Consume(
			sub.queue,
			tag,
			false, // manual ack
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", sub.queue, err)
		}

		q.mu.Lock()
		q.consumers = append(q.consumers, consumer{ch: ch, tag: tag})
		q.mu.Unlock()

		for i := 0; i < sub.concurrency; i++ {
			q.wg.Add(1)
			go q.consume(ctx, sub, deliveries)
		}
		log.Info().Str("queue", sub.queue).Int("concurrency", sub.concurrency).Msg("Consumer started")
	}
	return nil
}

func (q *RabbitMQQueue) consume(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			// Shutdown stops intake only; a job already taken runs to the end.
			q.handle(context.WithoutCancel(ctx), sub, d)
		}
	}
}

func (q *RabbitMQQueue) handle(ctx context.Context, sub *subscription, d amqp.Delivery) {
	job := &Job{
		ID:          d.MessageId,
		Queue:       sub.queue,
		Attempt:     attemptOf(d.Headers),
		MaxAttempts: q.maxAttempts,
		Body:        d.Body,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	out := process(ctx, q.store, sub, job, q.backoff)

	var err error
	switch {
	case out.retry:
		err = q.send(sub.queue, job.ID, job.Attempt+1, job.Body, out.delay)
	case out.failed:
		err = q.publish(sub.queue+".failed", job.ID, job.Attempt, job.Body)
	}
	if err != nil {
		// Requeue the original so the job is not lost.
		log.Error().Err(err).Str("job_id", job.ID).Msg("⚠️ Failed to reschedule job, requeueing")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// consumerChannel is the part of *amqp.Channel shutdown needs.
type consumerChannel interface {
	Cancel(consumer string, noWait bool) error
	Close() error
}

type consumer struct {
	ch  consumerChannel
	tag string
}

// stopConsumers cancels every consumer, waits for the handlers still running
// and only then closes the channels, so their acks reach the broker.
func stopConsumers(consumers []consumer, wait func()) {
	for _, c := range consumers {
		if err := c.ch.Cancel(c.tag, false); err != nil {
			log.Warn().Err(err).Str("consumer", c.tag).Msg("failed to cancel consumer")
		}
	}
	wait()
	for _, c := range consumers {
		c.ch.Close()
	}
}

// Close stops consumers, lets in-flight jobs finish and closes the connection.
func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	consumers := q.consumers
	q.consumers = nil
	q.mu.Unlock()

	stopConsumers(consumers, q.wg.Wait)

	q.pubMu.Lock()
	q.pub.Close()
	q.pubMu.Unlock()
	return q.conn.Close()
}

var _ Queue = (*RabbitMQQueue)(nil)
