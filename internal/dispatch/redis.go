package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ShayCichocki/foresight/pkg/models"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	// Address is the host:port of the Redis server.
	Address  string
	Password string
	DB       int
	// Queue is the list key jobs are pushed to.
	Queue string
	// ConsumerID names this consumer's processing list. Jobs left there by a
	// crash are requeued on the next Connect with the same ID.
	ConsumerID string
	// PollTimeout bounds each blocking pop so shutdown is noticed promptly.
	PollTimeout time.Duration
}

// RedisQueue is a reliable list-based Queue. A consumer atomically moves
// each job to its own processing list and removes it only after the handler
// returns, so a crash leaves the job recoverable.
type RedisQueue struct {
	cfg    RedisConfig
	client *redis.Client

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRedisQueue creates an unconnected queue.
func NewRedisQueue(cfg RedisConfig) *RedisQueue {
	if cfg.Queue == "" {
		cfg.Queue = "foresight:jobs"
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "default"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &RedisQueue{cfg: cfg}
}

func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("%s:processing:%s", q.cfg.Queue, q.cfg.ConsumerID)
}

// Connect dials Redis and requeues jobs this consumer left unfinished.
func (q *RedisQueue) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     q.cfg.Address,
		Password: q.cfg.Password,
		DB:       q.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect redis %s: %w", q.cfg.Address, err)
	}

	requeued := 0
	for {
		err := client.LMove(ctx, q.processingKey(), q.cfg.Queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			client.Close()
			return fmt.Errorf("requeue unfinished jobs: %w", err)
		}
		requeued++
	}
	if requeued > 0 {
		log.Printf("[dispatch] requeued %d unfinished jobs from %s", requeued, q.processingKey())
	}

	q.mu.Lock()
	q.client = client
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) conn() (*redis.Client, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.client == nil {
		return nil, ErrNotConnected
	}
	return q.client, nil
}

// Enqueue pushes a job onto the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	client, err := q.conn()
	if err != nil {
		return err
	}
	payload, err := models.EncodeJob(job)
	if err != nil {
		return err
	}
	if err := client.LPush(ctx, q.cfg.Queue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job, err)
	}
	return nil
}

// Consume pops jobs until ctx is done or the queue is closed.
func (q *RedisQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	client, err := q.conn()
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	defer q.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}
		if q.isClosed() {
			return nil
		}

		payload, err := client.BLMove(ctx, q.cfg.Queue, q.processingKey(), "RIGHT", "LEFT", q.cfg.PollTimeout).Result()
		if err != nil {
			<-sem
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if q.isClosed() {
				return nil
			}
			log.Printf("[dispatch] redis pop failed: %v", err)
			time.Sleep(q.cfg.PollTimeout)
			continue
		}

		q.wg.Add(1)
		go func() {
			defer func() {
				<-sem
				q.wg.Done()
			}()
			q.handle(ctx, client, payload, handler)
		}()
	}
}

func (q *RedisQueue) handle(ctx context.Context, client *redis.Client, payload string, handler Handler) {
	job, err := models.DecodeJob([]byte(payload))
	if err != nil {
		log.Printf("[dispatch] dropping malformed job %q: %v", payload, err)
	} else {
		logResult(job, runJob(ctx, handler, job))
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := client.LRem(ackCtx, q.processingKey(), 1, payload).Err(); err != nil {
		log.Printf("[dispatch] ack %q failed: %v", payload, err)
	}
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close closes the Redis client. Cancel the Consume context first so
// in-flight jobs can acknowledge.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	client := q.client
	q.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}
