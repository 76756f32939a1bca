// Package queue is a small Redis Streams outbox used to move slow side
// effects (mail delivery) off the request path.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"atlaslibrary/internal/util"
)

// Task states recorded under the task key.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateDelivered = "delivered"
	StateDead      = "dead"
)

// Task is one queued unit of work together with its delivery bookkeeping.
type Task struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Body      json.RawMessage `json:"body,omitempty"`
	State     string          `json:"state"`
	LastError string          `json:"lastError,omitempty"`
	Attempts  int             `json:"attempts"`
	QueuedAt  time.Time       `json:"queuedAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Handler runs a task. Returning an error retries it until Options.MaxAttempts.
type Handler func(ctx context.Context, task Task) error

// Options tunes a Stream. Zero values pick the defaults shown in New.
type Options struct {
	Stream      string
	Group       string
	Consumer    string
	MaxAttempts int
	RetryDelay  time.Duration
	Block       time.Duration
	ClaimIdle   time.Duration
	BatchSize   int64
	MaxLen      int64
	TaskTTL     time.Duration
}

// Stream is a consumer-group backed outbox. Messages stay pending until a
// handler succeeds or gives up, so a crashed worker's tasks are reclaimed by
// the next one after ClaimIdle.
type Stream struct {
	rdb       *redis.Client
	opts      Options
	groupOnce sync.Once
}

// New wraps rdb. The caller owns the client and closes it.
func New(rdb *redis.Client, opts Options) (*Stream, error) {
	if rdb == nil {
		return nil, errors.New("queue: redis client required")
	}
	opts.Stream = strings.TrimSpace(opts.Stream)
	if opts.Stream == "" {
		return nil, errors.New("queue: stream name required")
	}
	if opts.Group = strings.TrimSpace(opts.Group); opts.Group == "" {
		opts.Group = opts.Stream + ":workers"
	}
	if opts.Consumer = strings.TrimSpace(opts.Consumer); opts.Consumer == "" {
		opts.Consumer = util.NewID()
	}
	opts.MaxAttempts = orDefault(opts.MaxAttempts, 3)
	opts.RetryDelay = orDefault(opts.RetryDelay, 2*time.Second)
	opts.Block = orDefault(opts.Block, 5*time.Second)
	opts.ClaimIdle = orDefault(opts.ClaimIdle, 30*time.Second)
	opts.BatchSize = orDefault(opts.BatchSize, 10)
	opts.MaxLen = orDefault(opts.MaxLen, 10000)
	opts.TaskTTL = orDefault(opts.TaskTTL, 24*time.Hour)
	return &Stream{rdb: rdb, opts: opts}, nil
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Publish stores body as JSON under a fresh task and appends it to the stream.
func (s *Stream) Publish(ctx context.Context, topic string, body any) (Task, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Task{}, errors.New("queue: topic required")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Task{}, fmt.Errorf("queue: encode body: %w", err)
	}
	now := time.Now().UTC()
	task := Task{
		ID:        util.NewID(),
		Topic:     topic,
		Body:      raw,
		State:     StatePending,
		QueuedAt:  now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, task); err != nil {
		return Task{}, err
	}
	if err := s.rdb.XAdd(ctx, s.entry(task)).Err(); err != nil {
		return Task{}, fmt.Errorf("queue: append: %w", err)
	}
	return task, nil
}

// Lookup returns the recorded state of a task. ok is false once the record
// expired or when id was never published.
func (s *Stream) Lookup(ctx context.Context, id string) (Task, bool, error) {
	if strings.TrimSpace(id) == "" {
		return Task{}, false, nil
	}
	raw, err := s.rdb.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, false, fmt.Errorf("queue: decode task %s: %w", id, err)
	}
	return task, true, nil
}

// Run starts workers goroutines that consume until ctx is done.
func (s *Stream) Run(ctx context.Context, workers int, handle Handler) {
	if workers < 1 {
		workers = 1
	}
	s.ensureGroup(ctx)
	for i := range workers {
		w := &worker{s: s, name: s.opts.Consumer + "-" + strconv.Itoa(i), handle: handle}
		go w.loop(ctx)
	}
}

// ensureGroup creates the group at id 0 so tasks published before the first
// worker started are not skipped.
func (s *Stream) ensureGroup(ctx context.Context) {
	s.groupOnce.Do(func() {
		err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			slog.Warn("queue group create failed", "stream", s.opts.Stream, "group", s.opts.Group, "err", err)
		}
	})
}

func (s *Stream) entry(task Task) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: s.opts.Stream,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: map[string]any{"task": task.ID, "topic": task.Topic, "body": string(task.Body)},
	}
}

// retry re-appends the task and settles the old message in one transaction,
// so a failure leaves the original pending for reclaim.
func (s *Stream) retry(ctx context.Context, msgID string, task Task) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, s.entry(task))
		p.XAck(ctx, s.opts.Stream, s.opts.Group, msgID)
		p.XDel(ctx, s.opts.Stream, msgID)
		return nil
	})
	return err
}

func (s *Stream) settle(ctx context.Context, msgID string) {
	if err := s.rdb.XAck(ctx, s.opts.Stream, s.opts.Group, msgID).Err(); err != nil {
		slog.Warn("queue ack failed", "msg_id", msgID, "err", err)
		return
	}
	_ = s.rdb.XDel(ctx, s.opts.Stream, msgID).Err()
}

func (s *Stream) save(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.taskKey(task.ID), raw, s.opts.TaskTTL).Err()
}

func (s *Stream) transition(ctx context.Context, task *Task, state, lastErr string) {
	task.State = state
	task.LastError = lastErr
	task.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, *task); err != nil {
		slog.Warn("queue state write failed", "task_id", task.ID, "state", state, "err", err)
	}
}

func (s *Stream) taskKey(id string) string {
	return s.opts.Stream + ":task:" + id
}

type worker struct {
	s      *Stream
	name   string
	handle Handler
}

func (w *worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		for _, msg := range w.reclaim(ctx) {
			w.process(ctx, msg)
		}
		res, err := w.s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.s.opts.Group,
			Consumer: w.name,
			Streams:  []string{w.s.opts.Stream, ">"},
			Count:    w.s.opts.BatchSize,
			Block:    w.s.opts.Block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				w.process(ctx, msg)
			}
		}
	}
}

// reclaim takes over messages another worker left pending too long.
func (w *worker) reclaim(ctx context.Context) []redis.XMessage {
	msgs, _, err := w.s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.s.opts.Stream,
		Group:    w.s.opts.Group,
		Consumer: w.name,
		MinIdle:  w.s.opts.ClaimIdle,
		Start:    "0-0",
		Count:    w.s.opts.BatchSize,
	}).Result()
	if err != nil {
		return nil
	}
	return msgs
}

func (w *worker) process(ctx context.Context, msg redis.XMessage) {
	id, _ := msg.Values["task"].(string)
	topic, _ := msg.Values["topic"].(string)
	body, _ := msg.Values["body"].(string)
	if id == "" || topic == "" {
		slog.Warn("queue dropping malformed message", "msg_id", msg.ID)
		w.s.settle(ctx, msg.ID)
		return
	}

	task, ok, err := w.s.Lookup(ctx, id)
	if err != nil {
		return
	}
	if !ok {
		task = Task{ID: id, QueuedAt: time.Now().UTC()}
	}
	task.Topic = topic
	task.Body = json.RawMessage(body)
	task.Attempts++
	w.s.transition(ctx, &task, StateRunning, "")

	herr := w.handle(ctx, task)
	switch {
	case herr == nil:
		w.s.transition(ctx, &task, StateDelivered, "")
		w.s.settle(ctx, msg.ID)
	case task.Attempts >= w.s.opts.MaxAttempts:
		slog.Warn("queue task gave up", "task_id", id, "topic", topic, "attempts", task.Attempts, "err", herr)
		w.s.transition(ctx, &task, StateDead, herr.Error())
		w.s.settle(ctx, msg.ID)
	default:
		w.s.transition(ctx, &task, StatePending, herr.Error())
		timer := time.NewTimer(w.s.opts.RetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := w.s.retry(ctx, msg.ID, task); err != nil {
			slog.Warn("queue retry failed", "task_id", id, "err", err)
		}
	}
}
