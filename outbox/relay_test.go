//go:build unit

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu        sync.Mutex
	claimable []*Entry
	claimErr  error

	published   []int64
	publishErr  error
	failed      map[int64]string
	failErr     error
	backlog     int64
	claimCalls  int
	lastBatch   int
	lastLease   time.Duration
	lastOwner   string
	backlogErr  error
	backlogSeen int
}

func newFakeRepo(entries ...*Entry) *fakeRepo {
	return &fakeRepo{claimable: entries, failed: map[int64]string{}}
}

func (r *fakeRepo) ClaimBatch(_ context.Context, batchSize int, lease time.Duration, lockOwner string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claimCalls++
	r.lastBatch = batchSize
	r.lastLease = lease
	r.lastOwner = lockOwner

	if r.claimErr != nil {
		return nil, r.claimErr
	}

	claimed := r.claimable
	r.claimable = nil

	return claimed, nil
}

func (r *fakeRepo) MarkPublished(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publishErr != nil {
		return r.publishErr
	}

	r.published = append(r.published, id)

	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id int64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failErr != nil {
		return r.failErr
	}

	r.failed[id] = message

	return nil
}

func (r *fakeRepo) Backlog(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backlogSeen++

	return r.backlog, r.backlogErr
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	errFor   map[string]error
}

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

func (p *fakePublisher) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, msg: msg})

	if p.errFor != nil {
		if err, ok := p.errFor[routingKey]; ok {
			return err
		}
	}

	return nil
}

func testEntry(id int64, queue string) *Entry {
	return &Entry{
		ID:       id,
		TenantID: "tenant-a",
		EventPk:  "pk-1",
		Queue:    queue,
		Payload:  json.RawMessage(`{"eventPk":"pk-1","correlationId":"corr-1","partitionKey":"order-42"}`),
		Status:   StatusInFlight,
	}
}

func newTestRelay(t *testing.T, repo Repository, publisher Publisher, cfg RelayConfig) *Relay {
	t.Helper()

	relay, err := NewRelay(repo, publisher, nil, nil, cfg)
	require.NoError(t, err)

	return relay
}

func TestNewRelayValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRelay(nil, &fakePublisher{}, nil, nil, RelayConfig{})
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(newFakeRepo(), nil, nil, nil, RelayConfig{})
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestCycleOncePublishesAndSettles(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(testEntry(1, "events.main"), testEntry(2, "events.main"))
	publisher := &fakePublisher{}
	relay := newTestRelay(t, repo, publisher, RelayConfig{
		Exchange:  "events.exchange",
		BatchSize: 10,
		Lease:     time.Minute,
		LockOwner: "publisher-test",
	})

	result := relay.CycleOnce(context.Background())

	assert.Equal(t, CycleResult{Claimed: 2, Published: 2}, result)
	assert.Equal(t, []int64{1, 2}, repo.published)
	assert.Empty(t, repo.failed)
	assert.Equal(t, 10, repo.lastBatch)
	assert.Equal(t, time.Minute, repo.lastLease)
	assert.Equal(t, "publisher-test", repo.lastOwner)

	require.Len(t, publisher.messages, 2)
	first := publisher.messages[0]
	assert.Equal(t, "events.exchange", first.exchange)
	assert.Equal(t, "events.main", first.routingKey)
	assert.Equal(t, "application/json", first.msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), first.msg.DeliveryMode)
	assert.Equal(t, int64(1), first.msg.Headers["outboxId"])
	assert.Equal(t, "tenant-a", first.msg.Headers["tenantId"])
	assert.Equal(t, "corr-1", first.msg.Headers["correlationId"])
	assert.Equal(t, "order-42", first.msg.Headers["partitionKey"])
}

func TestCycleOnceIsolatesFailures(t *testing.T) {
	t.Parallel()

	broken := testEntry(1, "events.broken")
	healthy := testEntry(2, "events.main")

	repo := newFakeRepo(broken, healthy)
	publisher := &fakePublisher{errFor: map[string]error{
		"events.broken": errors.New("channel closed"),
	}}
	relay := newTestRelay(t, repo, publisher, RelayConfig{Exchange: "events.exchange"})

	result := relay.CycleOnce(context.Background())

	assert.Equal(t, CycleResult{Claimed: 2, Published: 1, Failed: 1}, result)
	assert.Equal(t, []int64{2}, repo.published)
	assert.Contains(t, repo.failed[1], "channel closed",
		"the failed entry records the publish error")
}

func TestCycleOnceTruncatesStoredError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(testEntry(1, "events.main"))

	longErr := make([]byte, ErrorMessageLimit+500)
	for i := range longErr {
		longErr[i] = 'e'
	}

	publisher := &fakePublisher{errFor: map[string]error{
		"events.main": errors.New(string(longErr)),
	}}
	relay := newTestRelay(t, repo, publisher, RelayConfig{})

	relay.CycleOnce(context.Background())

	assert.Len(t, repo.failed[1], ErrorMessageLimit)
}

func TestCycleOnceLeavesLeaseOnSettleError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(testEntry(1, "events.main"))
	repo.publishErr = errors.New("connection reset")

	relay := newTestRelay(t, repo, &fakePublisher{}, RelayConfig{})

	result := relay.CycleOnce(context.Background())

	// The broker got the message but the settle failed: not counted as
	// published, and never marked failed; the lease expiry re-claims it.
	assert.Equal(t, CycleResult{Claimed: 1}, result)
	assert.Empty(t, repo.failed)
}

func TestCycleOnceToleratesConcurrentSettle(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(testEntry(1, "events.main"))
	repo.publishErr = fmt.Errorf("marking outbox entry 1 published: %w", ErrEntryNotFound)

	relay := newTestRelay(t, repo, &fakePublisher{}, RelayConfig{})

	result := relay.CycleOnce(context.Background())

	// Another relay settled the row between our confirm and our write; the
	// entry is terminal and nothing else happens.
	assert.Equal(t, CycleResult{Claimed: 1}, result)
	assert.Empty(t, repo.failed)
}

func TestCycleOnceNeverRegressesPublishedEntry(t *testing.T) {
	t.Parallel()

	terminal := testEntry(1, "events.main")
	terminal.Status = StatusPublished

	repo := newFakeRepo(terminal)
	publisher := &fakePublisher{errFor: map[string]error{
		"events.main": errors.New("channel closed"),
	}}
	relay := newTestRelay(t, repo, publisher, RelayConfig{})

	result := relay.CycleOnce(context.Background())

	assert.Equal(t, CycleResult{Claimed: 1, Failed: 1}, result)
	assert.Empty(t, repo.failed, "a publish failure must not move a terminal entry to FAILED")
	assert.Empty(t, repo.published)
}

func TestCycleOnceClaimError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.claimErr = errors.New("database down")

	publisher := &fakePublisher{}
	relay := newTestRelay(t, repo, publisher, RelayConfig{})

	result := relay.CycleOnce(context.Background())

	assert.Equal(t, CycleResult{}, result)
	assert.Empty(t, publisher.messages)
}

func TestRunPollsAndStops(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(testEntry(1, "events.main"))
	relay := newTestRelay(t, repo, &fakePublisher{}, RelayConfig{
		PollInterval: 5 * time.Millisecond,
	})

	done := make(chan error, 1)

	go func() {
		done <- relay.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		return repo.claimCalls >= 2
	}, time.Second, time.Millisecond)

	relay.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, relay.Shutdown(ctx))
	assert.Equal(t, []int64{1}, repo.published)
}

type gatedPublisher struct {
	fakePublisher
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.entered <- struct{}{}
	<-p.release

	return p.fakePublisher.Publish(ctx, exchange, routingKey, msg)
}

func TestRunFinishesInFlightCycleOnCancel(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(testEntry(1, "events.main"), testEntry(2, "events.main"))
	publisher := &gatedPublisher{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	relay := newTestRelay(t, repo, publisher, RelayConfig{
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- relay.Run(ctx)
	}()

	<-publisher.entered

	// Cancel with the first publish still in flight; the whole claimed batch
	// must still be published and settled, not stranded under its lease.
	cancel()
	close(publisher.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()

	require.NoError(t, relay.Shutdown(shutdownCtx))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, repo.published)
	assert.Empty(t, repo.failed)
}

func TestRunRejectsSecondStart(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(t, newFakeRepo(), &fakePublisher{}, RelayConfig{
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- relay.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return errors.Is(relay.Run(ctx), ErrRelayRunning)
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
