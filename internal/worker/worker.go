// Package worker consumes the convergence queue and drives the processor.
// Delivery is at-least-once with manual acks; a message whose due time has
// not arrived is negatively acknowledged with the remaining delay, which is
// how the delayed self-queue is honoured.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/queue"
)

const (
	// DefaultAckWait is the visibility timeout: a worker that dies
	// mid-run has its message redelivered after this.
	DefaultAckWait = 5 * time.Minute

	// runTimeoutMargin pads the per-run deadline past the rule's
	// absorption window.
	runTimeoutMargin = 60 * time.Second

	queueGroup   = "converge-workers"
	durableName  = "converge-worker"
	retryBackoff = 10 * time.Second
)

// Handler is the processing side of the worker.
type Handler interface {
	Process(ctx context.Context, task queue.ConvergeTask) error
}

// Config tunes the consumer
type Config struct {
	AckWait time.Duration
}

// Worker is the convergence queue consumer
type Worker struct {
	js      nats.JetStreamContext
	handler Handler
	logger  *zap.Logger
	cfg     Config
	sub     *nats.Subscription
}

// New creates a worker. Zero-valued cfg fields select the defaults.
func New(js nats.JetStreamContext, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultAckWait
	}
	return &Worker{
		js:      js,
		handler: handler,
		logger:  logger.Named("worker"),
		cfg:     cfg,
	}
}

// Start subscribes to the convergence subject. Members of the queue group
// share the stream, so workers scale horizontally.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.js.QueueSubscribe(queue.ConvergeSubject, queueGroup, w.handle,
		nats.ManualAck(),
		nats.AckWait(w.cfg.AckWait),
		nats.Durable(durableName),
		nats.DeliverAll(),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to converge queue: %w", err)
	}
	w.sub = sub

	w.logger.Info("Worker started",
		zap.String("subject", queue.ConvergeSubject),
		zap.Duration("ack_wait", w.cfg.AckWait))
	return nil
}

// Stop drains the subscription so in-flight handlers finish.
func (w *Worker) Stop() error {
	if w.sub == nil {
		return nil
	}
	if err := w.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) handle(msg *nats.Msg) {
	var task queue.ConvergeTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		w.logger.Error("Failed to unmarshal converge task, dropping",
			zap.Error(err))
		msg.Ack()
		return
	}

	// Not due yet: park it again for the remaining delay.
	if remaining := time.Until(task.ProcessAt); remaining > 0 {
		msg.NakWithDelay(remaining)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.runTimeout(&task))
	defer cancel()

	if err := w.handler.Process(ctx, task); err != nil {
		w.logger.Warn("Processing failed, requesting redelivery",
			zap.String("instance_id", task.InstanceID),
			zap.Error(err))
		msg.NakWithDelay(retryBackoff)
		return
	}

	msg.Ack()
}

// runTimeout bounds one processing run: the rule's absorption window plus
// a margin, so a stuck group cannot pin a worker past its usefulness.
func (w *Worker) runTimeout(task *queue.ConvergeTask) time.Duration {
	return task.Rule.MaxWindow() + runTimeoutMargin
}
