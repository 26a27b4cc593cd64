// Package outbox publishes outstanding work: best-effort steps that failed
// and should be replayed by a reconciliation job.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names the step that needs replaying.
type Kind string

const (
	KindLedgerSubmit  Kind = "ledger_submit"
	KindLedgerApprove Kind = "ledger_approve"
	KindLedgerReject  Kind = "ledger_reject"
	KindFraudAnalyze  Kind = "fraud_analyze"
	KindExplain       Kind = "explain"
)

var ErrUnknownBackend = errors.New("unknown outbox backend")

// Task is one outstanding-work item.
type Task struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	ClaimID   string            `json:"claim_id"`
	Context   map[string]string `json:"context,omitempty"`
	Error     string            `json:"error"`
	CreatedAt time.Time         `json:"created_at"`
}

func (t Task) encode() ([]byte, error) {
	return json.Marshal(t)
}

// Publisher delivers tasks to a backend.
type Publisher interface {
	Publish(ctx context.Context, task Task) error
	Close() error
}

// Outbox stamps tasks and hands them to a Publisher. Delivery failures are
// logged and swallowed.
type Outbox struct {
	pub     Publisher
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

func New(pub Publisher, logger zerolog.Logger) *Outbox {
	return &Outbox{pub: pub, logger: logger, timeout: 5 * time.Second, now: time.Now}
}

// Enqueue publishes task, filling in its ID and CreatedAt when unset.
func (o *Outbox) Enqueue(ctx context.Context, task Task) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = o.now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if err := o.pub.Publish(ctx, task); err != nil {
		o.logger.Error().Err(err).
			Str("task_id", task.ID).
			Str("kind", string(task.Kind)).
			Str("claim_id", task.ClaimID).
			Msg("failed to publish outstanding work")
		return
	}
	o.logger.Debug().Str("task_id", task.ID).Str("kind", string(task.Kind)).Msg("outstanding work published")
}

func (o *Outbox) Close() error {
	return o.pub.Close()
}

// Options selects and configures a backend.
type Options struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	SQSQueueURL  string
}

// NewPublisher builds the Publisher named by opts.Backend.
func NewPublisher(ctx context.Context, opts Options, logger zerolog.Logger) (Publisher, error) {
	switch opts.Backend {
	case "", "log":
		return NewLogPublisher(logger), nil
	case "kafka":
		logger.Info().Strs("brokers", opts.KafkaBrokers).Str("topic", opts.KafkaTopic).Msg("outbox publishing to kafka")
		return NewKafkaPublisher(opts.KafkaBrokers, opts.KafkaTopic), nil
	case "sqs":
		logger.Info().Str("queue", opts.SQSQueueURL).Msg("outbox publishing to sqs")
		return NewSQSPublisher(ctx, opts.SQSQueueURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// LogPublisher only logs tasks.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, task Task) error {
	p.logger.Warn().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("claim_id", task.ClaimID).
		Str("cause", task.Error).
		Msg("outstanding work")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
