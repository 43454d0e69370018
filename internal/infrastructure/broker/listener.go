package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"farmledger/internal/core/apperror"
	appctx "farmledger/internal/core/context"
	"farmledger/internal/domain/feeder"
	"farmledger/internal/domain/ledger"
	"farmledger/pkg/logger"
)

// Headers added to dead-lettered messages.
const (
	HeaderError        = "x-error"
	HeaderSourceTopic  = "x-source-topic"
	HeaderSourceOffset = "x-source-offset"
)

// MessageReader is the part of kafka.Reader the listener uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventHandler applies one decoded ready-stock event.
type EventHandler interface {
	Handle(ctx context.Context, ev feeder.Event) (*ledger.MovementResult, error)
}

// ReadyStockListener feeds ready-stock messages into the feeder.
//
// A message is committed once it is applied, skipped or rejected for good.
// Transient failures are redelivered in place until they succeed or ctx is
// cancelled; in the latter case the offset stays uncommitted and the message
// is fetched again after a restart.
type ReadyStockListener struct {
	reader     MessageReader
	handler    EventHandler
	deadLetter MessageWriter
	newBackOff func() backoff.BackOff
	pause      time.Duration
}

// ListenerOption configures a ReadyStockListener.
type ListenerOption func(*ReadyStockListener)

// WithDeadLetter routes rejected and malformed messages to w before they are committed.
func WithDeadLetter(w MessageWriter) ListenerOption {
	return func(l *ReadyStockListener) { l.deadLetter = w }
}

// WithRedeliveryBackOff replaces the backoff between redeliveries.
func WithRedeliveryBackOff(fn func() backoff.BackOff) ListenerOption {
	return func(l *ReadyStockListener) { l.newBackOff = fn }
}

// NewReadyStockListener creates a listener.
func NewReadyStockListener(reader MessageReader, handler EventHandler, opts ...ListenerOption) *ReadyStockListener {
	l := &ReadyStockListener{
		reader:  reader,
		handler: handler,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
		pause: time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start reads until ctx is cancelled.
func (l *ReadyStockListener) Start(ctx context.Context) {
	logger.Info(ctx, "starting ready-stock listener")
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "stopping ready-stock listener")
			return
		default:
		}

		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "failed to read kafka message", "error", err)
			time.Sleep(l.pause)
			continue
		}

		if !l.processMessage(ctx, msg) {
			// Committing a later offset would skip this one, so stop here.
			logger.Warn(ctx, "ready-stock message left uncommitted",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return
		}

		if err := l.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "failed to commit kafka offset",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// processMessage applies one message and reports whether it may be committed.
func (l *ReadyStockListener) processMessage(ctx context.Context, msg kafka.Message) bool {
	ctx = appctx.WithTrace(ctx, appctx.NewTraceContext("feeder"))

	ev, err := feeder.Decode(msg.Value)
	if err != nil {
		logger.Error(ctx, "malformed ready-stock message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return l.park(ctx, msg, err)
	}

	op := func() (*ledger.MovementResult, error) {
		res, err := l.handler.Handle(ctx, ev)
		if err != nil && !redeliverable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "redelivering ready-stock event",
				"event_id", ev.ID,
				"kind", ev.Kind,
				"wait", wait,
				"error", err,
			)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		level := logger.Warn
		if appErr, ok := apperror.AsAppError(err); !ok || appErr.HTTPStatus >= 500 {
			level = logger.Error
		}
		level(ctx, "ready-stock event rejected",
			"event_id", ev.ID,
			"kind", ev.Kind,
			"account", ev.Key().String(),
			"error", err,
		)
		return l.park(ctx, msg, err)
	}
	if res == nil {
		return true
	}
	logger.Debug(ctx, "ready-stock event applied",
		"event_id", ev.ID,
		"movement_id", res.MovementID,
		"balance", res.Balance,
	)
	return true
}

// park hands a message that can never be applied to the dead-letter topic.
// Without one configured the message is only logged. Write failures are
// retried until ctx is cancelled.
func (l *ReadyStockListener) park(ctx context.Context, msg kafka.Message, cause error) bool {
	if l.deadLetter == nil {
		return true
	}
	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		),
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.deadLetter.WriteMessages(ctx, dead)
	},
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "retrying dead-letter write", "offset", msg.Offset, "wait", wait, "error", err)
		}),
	)
	return err == nil
}

// redeliverable reports failures that may succeed if the event is applied again:
// conflicts, infrastructure errors and anything that is not an AppError.
// A reconciliation mismatch halts the account and is not retried.
func redeliverable(err error) bool {
	appErr, ok := apperror.AsAppError(err)
	if !ok {
		return true
	}
	if appErr.Retryable {
		return true
	}
	return appErr.HTTPStatus >= 500 && appErr.Code != apperror.CodeReconciliationMismatch
}
