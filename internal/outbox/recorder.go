package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Recorder implements domain.EventPublisher by storing events in the outbox
// table; the Worker relays them to NATS. Recording the same event twice keeps
// the first row.
type Recorder struct {
	db      *sql.DB
	subject string
}

// NewRecorder builds a Recorder whose rows are relayed to subject.
func NewRecorder(db *sql.DB, subject string) *Recorder {
	return &Recorder{db: db, subject: subject}
}

// Publish stores the event for later relay.
func (r *Recorder) Publish(ctx context.Context, event domain.DispatchEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO dispatch_outbox (event_id, session_id, event_type, subject, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id) DO NOTHING`,
		event.ID, event.SessionID, string(event.Type), r.subject, payload,
	); err != nil {
		return fmt.Errorf("record %s event: %w", event.Type, err)
	}
	return nil
}

// Pending counts events recorded but neither relayed nor quarantined.
func (r *Recorder) Pending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM dispatch_outbox WHERE relayed_at IS NULL AND dead_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
