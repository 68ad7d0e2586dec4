package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/message"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payload"
	"payment-reconciler/internal/testhelpers"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const taskName = "app/show.booked"

type fakePublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, messages []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type OutboxTestSuite struct {
	suite.Suite
	pgContainer  *testhelpers.PostgresContainer
	pool         *pgxpool.Pool
	repo         *db.OutboxRepository
	reservations *db.ReservationRepository
	dispatcher   *Dispatcher
	logger       *slog.Logger
	ctx          context.Context
}

func (s *OutboxTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString, config.Database{})
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.repo = db.NewOutboxRepository(pool)
	s.reservations = db.NewReservationRepository(pool)
	s.dispatcher = NewDispatcher(s.repo, s.logger)
}

func (s *OutboxTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *OutboxTestSuite) SetupTest() {
	if _, err := s.pool.Exec(s.ctx, "TRUNCATE notification_outbox, reservation"); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *OutboxTestSuite) newRelay(publisher Publisher, maxAttempts int) *Relay {
	return NewRelay(s.repo, publisher, config.OutboxRelay{
		PollingIntervalMs:  50,
		FetchSize:          10,
		RescheduleDelayMs:  1_000,
		MaxPublishAttempts: maxAttempts,
	}, s.logger)
}

func (s *OutboxTestSuite) TestEnqueueIsDeduplicated() {
	t := s.T()
	id := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.dispatcher.Enqueue(s.ctx, taskName, payload.Confirmation{BookingID: id}))
	}

	var count int
	require.NoError(t, s.pool.QueryRow(s.ctx, "SELECT count(*) FROM notification_outbox").Scan(&count))
	assert.Equal(t, 1, count)

	entity, err := s.repo.SelectByReservation(s.ctx, taskName, id)
	require.NoError(t, err)

	var task message.Task
	require.NoError(t, json.Unmarshal([]byte(entity.Payload), &task))
	assert.Equal(t, taskName, task.Name)
	assert.Equal(t, id, task.Data.BookingID)
	assert.Equal(t, entity.ID, task.ID)
}

func (s *OutboxTestSuite) TestRelayPublishes() {
	t := s.T()
	id := uuid.New()
	require.NoError(t, s.dispatcher.Enqueue(s.ctx, taskName, payload.Confirmation{BookingID: id}))

	publisher := &fakePublisher{}
	handled := s.newRelay(publisher, 3).process(s.ctx)

	assert.Equal(t, 1, handled)
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, id.String(), publisher.messages[0].Key)
	assert.JSONEq(t, `{"bookingId":"`+id.String()+`"}`, string(mustData(t, publisher.messages[0].Value)))

	entity, err := s.repo.SelectByReservation(s.ctx, taskName, id)
	require.NoError(t, err)
	assert.Nil(t, entity.ScheduledAt)
	assert.NotNil(t, entity.PublishedAt)
	assert.Equal(t, 1, entity.PublishAttempts)

	// nothing left for the next run
	assert.Equal(t, 0, s.newRelay(publisher, 3).process(s.ctx))
}

func (s *OutboxTestSuite) TestRelayReschedulesThenGivesUp() {
	t := s.T()
	id := uuid.New()
	require.NoError(t, s.dispatcher.Enqueue(s.ctx, taskName, payload.Confirmation{BookingID: id}))

	publisher := &fakePublisher{err: errors.New("broker down")}
	relay := s.newRelay(publisher, 2)

	assert.Equal(t, 1, relay.process(s.ctx))

	entity, err := s.repo.SelectByReservation(s.ctx, taskName, id)
	require.NoError(t, err)
	require.NotNil(t, entity.ScheduledAt)
	assert.True(t, entity.ScheduledAt.After(time.Now()))
	assert.Equal(t, "broker down", *entity.Error)

	// make it due again
	_, err = s.pool.Exec(s.ctx, "UPDATE notification_outbox SET scheduled_at = now() - interval '1 second'")
	require.NoError(t, err)

	assert.Equal(t, 1, relay.process(s.ctx))

	entity, err = s.repo.SelectByReservation(s.ctx, taskName, id)
	require.NoError(t, err)
	assert.Nil(t, entity.ScheduledAt)
	assert.Nil(t, entity.PublishedAt)
	assert.Equal(t, 2, entity.PublishAttempts)
}

func (s *OutboxTestSuite) TestRepairEnqueuesMissingConfirmations() {
	t := s.T()
	paidAt := time.Now().Add(-time.Hour)

	orphan := &model.Reservation{ID: uuid.New(), PaymentStatus: model.PaymentStatusPaid, PaidAt: &paidAt}
	notified := &model.Reservation{ID: uuid.New(), PaymentStatus: model.PaymentStatusPaid, PaidAt: &paidAt}
	pending := &model.Reservation{ID: uuid.New(), PaymentLinkToken: "tok"}
	for _, r := range []*model.Reservation{orphan, notified, pending} {
		require.NoError(t, s.reservations.Create(s.ctx, r))
	}
	require.NoError(t, s.dispatcher.Enqueue(s.ctx, taskName, payload.Confirmation{BookingID: notified.ID}))

	repairer := NewRepairer(s.repo, s.dispatcher, taskName, config.OutboxRepair{
		IntervalMs: 1_000,
		GraceMs:    60_000,
		BatchSize:  10,
	}, s.logger)

	assert.Equal(t, 1, repairer.sweep(s.ctx))
	assert.Equal(t, 0, repairer.sweep(s.ctx))

	_, err := s.repo.SelectByReservation(s.ctx, taskName, orphan.ID)
	assert.NoError(t, err)
}

func (s *OutboxTestSuite) TestRepairRespectsGracePeriod() {
	t := s.T()
	paidAt := time.Now()
	recent := &model.Reservation{ID: uuid.New(), PaymentStatus: model.PaymentStatusPaid, PaidAt: &paidAt}
	require.NoError(t, s.reservations.Create(s.ctx, recent))

	repairer := NewRepairer(s.repo, s.dispatcher, taskName, config.OutboxRepair{
		IntervalMs: 1_000,
		GraceMs:    60_000,
		BatchSize:  10,
	}, s.logger)

	assert.Equal(t, 0, repairer.sweep(s.ctx))
}

func TestOutboxTestSuite(t *testing.T) {
	suite.Run(t, new(OutboxTestSuite))
}

func mustData(t *testing.T, value []byte) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(value, &envelope))
	return envelope.Data
}
