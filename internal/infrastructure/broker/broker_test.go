package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/feeder"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/cache"
	"farmledger/internal/infrastructure/storage/postgres"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

type fakeHandler struct {
	events []feeder.Event
	err    error
}

func (h *fakeHandler) Handle(_ context.Context, ev feeder.Event) (*ledger.MovementResult, error) {
	h.events = append(h.events, ev)
	if h.err != nil {
		return nil, h.err
	}
	return &ledger.MovementResult{MovementID: id.New(), Balance: ev.Quantity}, nil
}

func eventBody(t *testing.T, ev feeder.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestReadyStockListener_CommitsEveryMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := feeder.Event{
		ID:          "evt-1",
		Kind:        feeder.KindEggCollection,
		FarmID:      id.New(),
		Category:    ledger.CategoryEggs,
		ProductName: "Brown eggs",
		Quantity:    decimal.NewFromInt(30),
		SourceID:    "col-1",
	}
	reader := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: eventBody(t, ev)},
			{Offset: 2, Value: []byte("{not json")},
		},
		cancel: cancel,
	}
	handler := &fakeHandler{}

	NewReadyStockListener(reader, handler).Start(ctx)

	require.Len(t, handler.events, 1)
	assert.Equal(t, "evt-1", handler.events[0].ID)
	assert.True(t, handler.events[0].Quantity.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

func TestReadyStockListener_RejectedEventStillCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := feeder.Event{ID: "evt-2", Kind: feeder.KindSaleFulfilled, Quantity: decimal.NewFromInt(5)}
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: eventBody(t, ev)}}, cancel: cancel}
	handler := &fakeHandler{err: apperror.NewInsufficientStock("acc", "5", "0")}

	NewReadyStockListener(reader, handler).Start(ctx)

	assert.Len(t, handler.events, 1)
	assert.Equal(t, []int64{7}, reader.committed)
}

type scriptedHandler struct {
	calls  int
	errs   []error
	onCall func(n int)
}

// Handle fails with errs in order, then succeeds.
func (h *scriptedHandler) Handle(_ context.Context, ev feeder.Event) (*ledger.MovementResult, error) {
	h.calls++
	if h.onCall != nil {
		h.onCall(h.calls)
	}
	if h.calls <= len(h.errs) {
		return nil, h.errs[h.calls-1]
	}
	return &ledger.MovementResult{MovementID: id.New(), Balance: ev.Quantity}, nil
}

func noWait() ListenerOption {
	return WithRedeliveryBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
}

func saleMessage(t *testing.T, offset int64) kafka.Message {
	ev := feeder.Event{ID: "evt-sale", Kind: feeder.KindSaleFulfilled, Quantity: decimal.NewFromInt(5)}
	return kafka.Message{Topic: "farm.ready-stock", Offset: offset, Value: eventBody(t, ev)}
}

func TestReadyStockListener_TransientFailuresAreRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{msgs: []kafka.Message{saleMessage(t, 42)}, cancel: cancel}
	handler := &scriptedHandler{errs: []error{
		apperror.NewConcurrencyConflict("inventory_account", "acc"),
		errors.New("begin transaction: dial tcp: connection refused"),
		apperror.NewInternal(errors.New("pool closed")),
	}}
	dlq := &fakeWriter{}

	NewReadyStockListener(reader, handler, noWait(), WithDeadLetter(dlq)).Start(ctx)

	assert.Equal(t, 4, handler.calls)
	assert.Equal(t, []int64{42}, reader.committed)
	assert.Empty(t, dlq.msgs)
}

func TestReadyStockListener_UncommittedWhenStoppedMidRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{msgs: []kafka.Message{saleMessage(t, 42), saleMessage(t, 43)}, cancel: cancel}
	down := errors.New("begin transaction: dial tcp: connection refused")
	handler := &scriptedHandler{
		errs: []error{down, down, down, down, down},
		onCall: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}

	NewReadyStockListener(reader, handler, noWait()).Start(ctx)

	assert.Equal(t, 3, handler.calls)
	assert.Empty(t, reader.committed)
	assert.Len(t, reader.msgs, 1, "later messages must not be fetched past an uncommitted one")
}

func TestReadyStockListener_RejectedEventsAreDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		msgs: []kafka.Message{
			saleMessage(t, 7),
			saleMessage(t, 8),
			{Topic: "farm.ready-stock", Offset: 9, Value: []byte("{not json")},
		},
		cancel: cancel,
	}
	handler := &scriptedHandler{errs: []error{
		apperror.NewInsufficientStock("acc", "5", "0"),
		apperror.NewReconciliationMismatch("acc", "ledger sums to 4, account holds 5"),
	}}
	dlq := &fakeWriter{}

	NewReadyStockListener(reader, handler, noWait(), WithDeadLetter(dlq)).Start(ctx)

	assert.Equal(t, 2, handler.calls, "rejections are not retried")
	assert.Equal(t, []int64{7, 8, 9}, reader.committed)
	require.Len(t, dlq.msgs, 3)

	headers := map[string]string{}
	for _, h := range dlq.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Contains(t, headers[HeaderError], "INSUFFICIENT_STOCK")
	assert.Equal(t, "farm.ready-stock", headers[HeaderSourceTopic])
	assert.Equal(t, "7", headers[HeaderSourceOffset])
	assert.Equal(t, []byte("{not json"), dlq.msgs[2].Value)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type fakeSnapshots struct {
	puts []cache.Snapshot
}

func (s *fakeSnapshots) Put(_ context.Context, snap cache.Snapshot) (bool, error) {
	s.puts = append(s.puts, snap)
	return true, nil
}

func TestEventPublisher_PublishesAndRefreshesSnapshot(t *testing.T) {
	accountID := id.New()
	payload, err := json.Marshal(ledger.StockChanged{
		AccountID:   accountID,
		FarmID:      id.New(),
		Category:    ledger.CategoryEggs,
		ProductName: "Brown eggs",
		Balance:     decimal.NewFromInt(12),
		Version:     4,
	})
	require.NoError(t, err)

	w := &fakeWriter{}
	snaps := &fakeSnapshots{}
	p := NewEventPublisher(w, snaps)

	err = p.Handle(context.Background(), &postgres.OutboxMessage{
		ID:            id.New(),
		AggregateType: ledger.AggregateInventoryAccount,
		AggregateID:   accountID,
		EventType:     ledger.EventStockChanged,
		Payload:       payload,
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, accountID.String(), string(w.msgs[0].Key))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Equal(t, ledger.EventStockChanged, string(w.msgs[0].Headers[0].Value))

	require.Len(t, snaps.puts, 1)
	assert.Equal(t, int64(4), snaps.puts[0].Version)
	assert.True(t, snaps.puts[0].Available.Equal(decimal.NewFromInt(12)))
}

func TestEventPublisher_OtherEventsSkipCache(t *testing.T) {
	w := &fakeWriter{}
	snaps := &fakeSnapshots{}
	p := NewEventPublisher(w, snaps)

	err := p.Handle(context.Background(), &postgres.OutboxMessage{
		ID:          id.New(),
		AggregateID: id.New(),
		EventType:   ledger.EventSyncHalted,
		Payload:     []byte(`{"reason":"x"}`),
	})
	require.NoError(t, err)
	assert.Len(t, w.msgs, 1)
	assert.Empty(t, snaps.puts)
}

func TestEventPublisher_WriteFailureIsReturned(t *testing.T) {
	p := NewEventPublisher(&fakeWriter{err: errors.New("broker down")}, nil)

	err := p.Handle(context.Background(), &postgres.OutboxMessage{ID: id.New(), EventType: ledger.EventStockChanged})
	assert.ErrorContains(t, err, "broker down")
}
