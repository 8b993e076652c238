// Package queue adapts the core to its durable work queues: the delayed
// convergence self-queue and the downstream executor queues. Both paths are
// at-least-once; delay is carried as a due timestamp in the payload and
// honoured by the consumer.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/dimension"
	"github.com/t77yq/alert-converge/internal/model"
)

const (
	convergeStreamName = "CONVERGE"
	// ConvergeSubject carries delayed convergence tasks back to the
	// processor.
	ConvergeSubject = "converge.task"

	actionStreamName = "ACTIONS"
	// NoticeSubject, WebhookSubject and DefaultSubject are the three
	// logical executor queues, addressed by plugin kind.
	NoticeSubject  = "action.notice"
	WebhookSubject = "action.webhook"
	DefaultSubject = "action.common"

	streamMaxAge = 7 * 24 * time.Hour

	// DefaultExecutorCountdown delays executor delivery just enough for
	// the collation slot write to settle downstream.
	DefaultExecutorCountdown = 1 * time.Second

	operationTimeout = 30 * time.Second
)

// ExecutorFunction selects the executor verb
type ExecutorFunction string

const (
	FunctionExecute             ExecutorFunction = "execute"
	FunctionCreateApproveTicket ExecutorFunction = "create_approve_ticket"
)

// ConvergeTask is the processor entry point payload. A delayed item
// re-enters the same state machine.
type ConvergeTask struct {
	Rule       model.ConvergeRule `json:"converge_rule"`
	InstanceID string             `json:"instance_id"`
	Kind       model.ConvergeKind `json:"instance_kind"`
	Context    dimension.Context  `json:"context,omitempty"`
	Alerts     []model.Alert      `json:"alerts,omitempty"`
	ProcessAt  time.Time          `json:"process_at"`
}

// ExecutorPayload is the message placed on an executor queue
type ExecutorPayload struct {
	PluginKind model.PluginKind `json:"plugin_kind"`
	Action     ExecutorAction   `json:"action"`
	ProcessAt  time.Time        `json:"process_at"`
}

// ExecutorAction identifies the work the executor performs
type ExecutorAction struct {
	ID       string           `json:"id"`
	Function ExecutorFunction `json:"function"`
	Alerts   []string         `json:"alerts"`
	// Children is the per-member alert breakdown of a collect_alarm
	// digest; plain digests carry only the merged Alerts list.
	Children []ExecutorChild `json:"children,omitempty"`
}

// ExecutorChild is one absorbed member inside a digest
type ExecutorChild struct {
	InstanceID string   `json:"instance_id"`
	Alerts     []string `json:"alerts"`
}

// Adapter publishes to and sets up the core's streams
type Adapter struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewAdapter creates the adapter and its streams.
func NewAdapter(js nats.JetStreamContext, logger *zap.Logger) (*Adapter, error) {
	a := &Adapter{
		js:     js,
		logger: logger.Named("queue"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := a.setupStreams(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}
	return a, nil
}

func (a *Adapter) setupStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:     convergeStreamName,
			Subjects: []string{"converge.*"},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		},
		{
			Name:     actionStreamName,
			Subjects: []string{"action.*"},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		},
	}

	for _, cfg := range streams {
		_, err := a.js.AddStream(cfg, nats.Context(ctx))
		if err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				a.logger.Info("Stream already exists", zap.String("stream", cfg.Name))
				continue
			}
			return err
		}
		a.logger.Info("Stream created successfully", zap.String("stream", cfg.Name))
	}
	return nil
}

// JetStream exposes the underlying context for consumers.
func (a *Adapter) JetStream() nats.JetStreamContext {
	return a.js
}

// SubjectFor maps a plugin kind to its executor queue subject.
func SubjectFor(kind model.PluginKind) string {
	switch kind {
	case model.PluginKindNotice:
		return NoticeSubject
	case model.PluginKindWebhook:
		return WebhookSubject
	default:
		return DefaultSubject
	}
}

// EnqueueExecutor pushes an action onto the executor queue for its plugin
// kind. countdown <= 0 selects the default 1s.
func (a *Adapter) EnqueueExecutor(ctx context.Context, payload ExecutorPayload, countdown time.Duration) error {
	if countdown <= 0 {
		countdown = DefaultExecutorCountdown
	}
	payload.ProcessAt = time.Now().Add(countdown)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal executor payload: %w", err)
	}

	subject := SubjectFor(payload.PluginKind)
	if _, err := a.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish executor payload: %w", err)
	}

	a.logger.Info("Action pushed to executor queue",
		zap.String("instance_id", payload.Action.ID),
		zap.String("subject", subject),
		zap.String("function", string(payload.Action.Function)))
	return nil
}

// EnqueueDelayed pushes a convergence task back onto the self-queue,
// re-invoking the processor after countdown.
func (a *Adapter) EnqueueDelayed(ctx context.Context, task ConvergeTask, countdown time.Duration) error {
	task.ProcessAt = time.Now().Add(countdown)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal converge task: %w", err)
	}

	if _, err := a.js.Publish(ConvergeSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish converge task: %w", err)
	}

	a.logger.Info("Instance pushed to converge queue",
		zap.String("instance_id", task.InstanceID),
		zap.String("kind", string(task.Kind)),
		zap.Duration("countdown", countdown))
	return nil
}
