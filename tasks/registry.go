// Package tasks runs delayed impersonation work on Asynq. The only task
// today ends sessions that outlived the configured timeout.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Queue names.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

// RedisOpt returns the connection options shared by Client and Server.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

// Client enqueues JSON encoded tasks.
type Client struct {
	client *asynq.Client
}

// NewClient creates a task client.
func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

// Close closes the task client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueue encodes payload as JSON and enqueues it under taskType.
func (c *Client) Enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", taskType, err)
	}

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueuing %s: %w", taskType, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("task_type", taskType).
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Time("process_at", info.NextProcessAt).
		Msg("Task enqueued")

	return info, nil
}

// EnqueueIn enqueues a task to be processed after delay.
func (c *Client) EnqueueIn(ctx context.Context, taskType string, payload any, delay time.Duration, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.Enqueue(ctx, taskType, payload, append(opts, asynq.ProcessIn(delay))...)
}

// ServerConfig holds the worker settings.
type ServerConfig struct {
	Concurrency     int
	Queues          map[string]int // queue name -> priority
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns the worker settings used by serve.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Concurrency: 10,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
		},
		ShutdownTimeout: 8 * time.Second,
	}
}

// Server processes tasks in the background.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer creates a task server.
func NewServer(opt asynq.RedisConnOpt, cfg ServerConfig) *Server {
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger{},
		ErrorHandler:    asynq.ErrorHandlerFunc(logTaskError),
	})

	return &Server{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

func logTaskError(ctx context.Context, task *asynq.Task, err error) {
	taskID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	event := log.Warn()
	if retried >= maxRetry {
		event = log.Error()
	}
	event.
		Err(err).
		Str("task_type", task.Type()).
		Str("task_id", taskID).
		Int("retried", retried).
		Int("max_retry", maxRetry).
		Bytes("payload", task.Payload()).
		Msg("Task failed")
}

// Handle registers a handler for the given task type.
func (s *Server) Handle(taskType string, handler asynq.Handler) {
	s.mux.Handle(taskType, handler)
	log.Debug().Str("task_type", taskType).Msg("Registered task handler")
}

// Start starts processing in the background. Stop it with Shutdown.
func (s *Server) Start() error {
	log.Info().Msg("Starting task server")
	return s.server.Start(s.mux)
}

// Shutdown waits for running tasks, up to the shutdown timeout.
func (s *Server) Shutdown() {
	log.Info().Msg("Shutting down task server")
	s.server.Shutdown()
}

// TaskHandler decodes a JSON payload into T before calling the handler.
type TaskHandler[T any] struct {
	handler func(context.Context, T) error
}

// NewTaskHandler creates a typed task handler.
func NewTaskHandler[T any](handler func(context.Context, T) error) *TaskHandler[T] {
	return &TaskHandler[T]{handler: handler}
}

// ProcessTask implements asynq.Handler. A payload that does not decode is
// never retried.
func (h *TaskHandler[T]) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return h.handler(ctx, payload)
}

// asynqLogger sends Asynq's own logs through zerolog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{}) { log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{}) { log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
