package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
	bus "github.com/example/cabhaggle/pkg/outbox"
)

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_outbox_relayed_total",
		Help: "Dispatch events relayed from the outbox to NATS, by event type.",
	}, []string{"event_type"})
	relayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_outbox_failures_total",
		Help: "Outbox rows that could not be relayed, by reason.",
	}, []string{"reason"})
	relayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_outbox_lag_seconds",
		Help: "Age of the oldest event relayed in the last batch.",
	})
)

// schema is applied statement by statement; rows stay pending until
// relayed_at is set and are quarantined once dead_at is set.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_outbox (
id BIGSERIAL PRIMARY KEY,
event_id UUID NOT NULL UNIQUE,
session_id UUID NOT NULL,
event_type TEXT NOT NULL,
subject TEXT NOT NULL,
payload JSONB NOT NULL,
recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
attempts INT NOT NULL DEFAULT 0,
last_error TEXT,
relayed_at TIMESTAMPTZ,
dead_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS dispatch_outbox_pending_idx
ON dispatch_outbox (id) WHERE relayed_at IS NULL AND dead_at IS NULL`,
}

// EnsureSchema creates the outbox table and its pending index.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outbox schema: %w", err)
		}
	}
	return nil
}

// WorkerConfig defines tunables for the relay.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays recorded dispatch events to NATS. Events of one session are
// relayed in recording order: when one of them cannot be published, the rest
// of that session waits for the next batch while other sessions proceed.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
	backoff   func(attempt int) time.Duration
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		db:      db,
		logger:  logger,
		cfg:     cfg,
		tracer:  otel.Tracer("dispatch.outbox.relay"),
		backoff: func(attempt int) time.Duration { return time.Duration(attempt*attempt) * 100 * time.Millisecond },
	}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run relays batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox relay requires a database and a NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RelayBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type pendingEvent struct {
	rowID      int64
	eventID    uuid.UUID
	sessionID  uuid.UUID
	subject    string
	payload    []byte
	recordedAt time.Time
}

// RelayBatch locks up to BatchSize pending rows, publishes them and records
// the outcome of each row. It returns how many events were relayed.
func (w *Worker) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pending, err := w.loadPending(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))

	blocked := make(map[uuid.UUID]bool)
	var relayed []int64
	oldest := time.Duration(0)
	for _, row := range pending {
		if blocked[row.sessionID] {
			continue
		}
		event, err := decode(row)
		if err != nil {
			relayFailures.WithLabelValues("quarantined").Inc()
			w.logger.Warn("quarantining outbox row", zap.Int64("row_id", row.rowID), zap.Error(err))
			if err := w.markDead(ctx, tx, row.rowID, err); err != nil {
				return 0, err
			}
			continue
		}
		if err := w.publish(ctx, row, event); err != nil {
			relayFailures.WithLabelValues("publish").Inc()
			blocked[row.sessionID] = true
			if err := w.markFailed(ctx, tx, row.rowID, err); err != nil {
				return 0, err
			}
			continue
		}
		relayed = append(relayed, row.rowID)
		relayedTotal.WithLabelValues(string(event.Type)).Inc()
		if age := time.Since(row.recordedAt); age > oldest {
			oldest = age
		}
	}

	if len(relayed) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE dispatch_outbox SET relayed_at = now() WHERE id = ANY($1)`, relayed); err != nil {
			return 0, fmt.Errorf("mark relayed: %w", err)
		}
		relayLag.Set(oldest.Seconds())
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit relay batch: %w", err)
	}
	return len(relayed), nil
}

func (w *Worker) loadPending(ctx context.Context, tx *sql.Tx) ([]pendingEvent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, event_id, session_id, subject, payload, recorded_at
FROM dispatch_outbox
WHERE relayed_at IS NULL AND dead_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var pending []pendingEvent
	for rows.Next() {
		var p pendingEvent
		if err := rows.Scan(&p.rowID, &p.eventID, &p.sessionID, &p.subject, &p.payload, &p.recordedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return pending, nil
}

// decode checks that the stored payload is the event the row claims to hold.
func decode(row pendingEvent) (domain.DispatchEvent, error) {
	var event domain.DispatchEvent
	if err := json.Unmarshal(row.payload, &event); err != nil {
		return event, fmt.Errorf("decode event: %w", err)
	}
	if event.ID != row.eventID || event.SessionID != row.sessionID {
		return event, fmt.Errorf("payload holds event %s of session %s, row says %s of %s",
			event.ID, event.SessionID, row.eventID, row.sessionID)
	}
	if row.subject == "" {
		return event, errors.New("row has no subject")
	}
	return event, nil
}

func (w *Worker) publish(ctx context.Context, row pendingEvent, event domain.DispatchEvent) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("event_type", string(event.Type)),
		attribute.String("session_id", event.SessionID.String()),
	))
	defer span.End()

	msg := bus.EventMsg(row.subject, event, row.payload)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("relay publish failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.String("event_id", event.ID.String()),
			zap.String("session_id", event.SessionID.String()),
		)
		if attempt >= w.cfg.RetryMax {
			span.RecordError(err)
			return fmt.Errorf("publish event %s: %w", event.ID, err)
		}
		select {
		case <-time.After(w.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) markFailed(ctx context.Context, tx *sql.Tx, rowID int64, cause error) error {
	if _, err := tx.ExecContext(ctx, `UPDATE dispatch_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, rowID, cause.Error()); err != nil {
		return fmt.Errorf("record relay failure: %w", err)
	}
	return nil
}

func (w *Worker) markDead(ctx context.Context, tx *sql.Tx, rowID int64, cause error) error {
	if _, err := tx.ExecContext(ctx, `UPDATE dispatch_outbox SET dead_at = now(), last_error = $2 WHERE id = $1`, rowID, cause.Error()); err != nil {
		return fmt.Errorf("quarantine row: %w", err)
	}
	return nil
}
