package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	jobIDPrefix        = "job_"
	jobEventQueued     = "job.queued"
	jobEventCompleted  = "job.completed"
	jobEventDropped    = "job.dropped"
	jobEventFailed     = "job.failed"
	jobRunnerPrincipal = "job-runner"
)

// JobKind names the follow-up work a background job performs.
type JobKind string

const (
	// JobKindCartReconcile removes an order's items from the customer's cart again.
	JobKindCartReconcile JobKind = "cart.reconcile"
	// JobKindPaymentConfirm asks the payment provider about an unconfirmed payment again.
	JobKindPaymentConfirm JobKind = "payment.confirm"
)

// JobMessage is the payload delivered to background workers via Pub/Sub.
type JobMessage struct {
	ID             string    `json:"id"`
	Kind           JobKind   `json:"kind"`
	OrderID        string    `json:"orderId"`
	QueuedAt       time.Time `json:"queuedAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// JobPublisher publishes job messages to the background queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, message JobMessage) (string, error)
}

// BackgroundJobDispatcherDeps enumerates collaborators required to construct the dispatcher.
type BackgroundJobDispatcherDeps struct {
	Publisher   JobPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type backgroundJobDispatcher struct {
	publisher JobPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewBackgroundJobDispatcher wires dependencies into a JobScheduler implementation.
func NewBackgroundJobDispatcher(deps BackgroundJobDispatcherDeps) (JobScheduler, error) {
	if deps.Publisher == nil {
		return nil, errors.New("background job dispatcher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &backgroundJobDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (d *backgroundJobDispatcher) EnqueueCartReconcile(ctx context.Context, orderID string) error {
	return d.enqueue(ctx, JobKindCartReconcile, orderID)
}

func (d *backgroundJobDispatcher) EnqueuePaymentConfirm(ctx context.Context, orderID string) error {
	return d.enqueue(ctx, JobKindPaymentConfirm, orderID)
}

func (d *backgroundJobDispatcher) enqueue(ctx context.Context, kind JobKind, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrJobInvalidPayload)
	}

	msg := JobMessage{
		ID:             ensureJobID(d.newID()),
		Kind:           kind,
		OrderID:        orderID,
		QueuedAt:       d.clock(),
		IdempotencyKey: string(kind) + ":" + orderID,
	}
	messageID, err := d.publisher.PublishJob(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobPublisherUnavailable, err)
	}

	d.logger(ctx, jobEventQueued, map[string]any{
		"jobId":     msg.ID,
		"kind":      string(kind),
		"orderId":   orderID,
		"messageId": messageID,
	})
	return nil
}

func ensureJobID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, jobIDPrefix) {
		return id
	}
	return jobIDPrefix + id
}

// JobRunnerDeps wires the services a job runner delegates to.
type JobRunnerDeps struct {
	Checkout CheckoutService
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type jobRunner struct {
	checkout CheckoutService
	logger   func(context.Context, string, map[string]any)
}

// NewJobRunner constructs the worker that executes delivered job messages.
func NewJobRunner(deps JobRunnerDeps) (JobRunner, error) {
	if deps.Checkout == nil {
		return nil, errors.New("job runner: checkout service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &jobRunner{checkout: deps.Checkout, logger: logger}, nil
}

// Run executes msg. A nil error acknowledges the message; any other error asks the queue to
// redeliver it. Jobs for orders that no longer exist are dropped.
func (r *jobRunner) Run(ctx context.Context, msg JobMessage) error {
	orderID := strings.TrimSpace(msg.OrderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrJobInvalidPayload)
	}

	var err error
	switch msg.Kind {
	case JobKindCartReconcile:
		_, err = r.checkout.RetryCartReconciliation(ctx, orderID)
	case JobKindPaymentConfirm:
		_, err = r.checkout.ConfirmPayment(ctx, ConfirmPaymentCommand{
			Caller:     Principal{ID: jobRunnerPrincipal, Role: RoleSystem},
			OrderID:    orderID,
			Background: true,
		})
	default:
		return fmt.Errorf("%w: %q", ErrJobUnsupportedKind, msg.Kind)
	}

	fields := map[string]any{
		"jobId":   msg.ID,
		"kind":    string(msg.Kind),
		"orderId": orderID,
	}
	switch {
	case err == nil:
		r.logger(ctx, jobEventCompleted, fields)
		return nil
	case errors.Is(err, ErrNotFound):
		r.logger(ctx, jobEventDropped, fields)
		return nil
	default:
		fields["error"] = err.Error()
		r.logger(ctx, jobEventFailed, fields)
		return err
	}
}
