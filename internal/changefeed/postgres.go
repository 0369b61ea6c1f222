package changefeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"parley/infrastructure"
)

const notifyChannel = "parley_feed"

// Append records a change event inside the same transaction as the mutation
// it describes, so the feed sequence is assigned in commit order. A NOTIFY is
// sent on commit to wake live listeners.
func Append(tx *sql.Tx, table string, op Op, before, after interface{}) error {
	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		if beforeJSON, err = json.Marshal(before); err != nil {
			return fmt.Errorf("failed to marshal before image: %w", err)
		}
	}
	if after != nil {
		if afterJSON, err = json.Marshal(after); err != nil {
			return fmt.Errorf("failed to marshal after image: %w", err)
		}
	}

	var seq int64
	err = tx.QueryRow(`
		INSERT INTO feed_events (table_name, op, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, table, string(op), nullableJSON(beforeJSON), nullableJSON(afterJSON), time.Now()).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append feed event: %w", err)
	}

	if _, err := tx.Exec(`SELECT pg_notify($1, $2)`, notifyChannel, fmt.Sprint(seq)); err != nil {
		return fmt.Errorf("failed to notify feed listeners: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// PostgresFeed delivers feed_events rows in sequence order. Live wakeups come
// from LISTEN/NOTIFY; every wakeup (and a periodic ping) drains all rows past
// the last delivered sequence, so a missed notification only delays delivery.
type PostgresFeed struct {
	db       *sql.DB
	listener *pq.Listener
	log      *zap.SugaredLogger

	events  chan Event
	lastSeq int64
}

func NewPostgresFeed(db *sql.DB, dsn string, log *zap.SugaredLogger) *PostgresFeed {
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnw("feed listener event", "event", ev, "error", err)
		}
	})
	return &PostgresFeed{
		db:       db,
		listener: listener,
		log:      log,
		events:   make(chan Event, 256),
	}
}

// eventRetention bounds how far back feed_events is kept. Anything older is
// already reflected in every table's durable state and only matters for
// backfill, which never reaches further back than a process restart.
const eventRetention = 7 * 24 * time.Hour

func (f *PostgresFeed) Start(ctx context.Context) error {
	head, err := f.Head(ctx)
	if err != nil {
		return err
	}
	// Live delivery starts at the current head; history is the subscriber's
	// snapshot, not the channel's.
	f.lastSeq = head

	if err := f.prune(ctx); err != nil {
		f.log.Warnw("feed prune failed", "error", err)
	}

	if err := f.listener.Listen(notifyChannel); err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %v", infrastructure.ErrTransient, notifyChannel, err)
	}
	go f.run(ctx)
	return nil
}

// Head returns the highest committed sequence, 0 when the feed is empty.
func (f *PostgresFeed) Head(ctx context.Context) (int64, error) {
	var head int64
	err := f.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM feed_events`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read feed head: %v", infrastructure.ErrTransient, err)
	}
	return head, nil
}

func (f *PostgresFeed) prune(ctx context.Context) error {
	res, err := f.db.ExecContext(ctx, `DELETE FROM feed_events WHERE created_at < $1`, time.Now().Add(-eventRetention))
	if err != nil {
		return err
	}
	if pruned, err := res.RowsAffected(); err == nil && pruned > 0 {
		f.log.Infow("pruned feed events", "count", pruned)
	}
	return nil
}

func (f *PostgresFeed) Events() <-chan Event {
	return f.events
}

func (f *PostgresFeed) run(ctx context.Context) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer close(f.events)

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-f.listener.Notify:
			// n is nil when the underlying connection was re-established;
			// drain past lastSeq either way so nothing is skipped.
			_ = n
			f.drain(ctx)
		case <-ping.C:
			if err := f.listener.Ping(); err != nil {
				f.log.Warnw("feed listener ping failed", "error", err)
			}
			f.drain(ctx)
		}
	}
}

func (f *PostgresFeed) drain(ctx context.Context) {
	events, err := f.Backfill(ctx, f.lastSeq)
	if err != nil {
		f.log.Errorw("feed drain failed", "after_seq", f.lastSeq, "error", err)
		return
	}
	for _, ev := range events {
		select {
		case f.events <- ev:
			f.lastSeq = ev.Seq
		case <-ctx.Done():
			return
		}
	}
}

// Backfill returns every event after the given sequence in commit order.
func (f *PostgresFeed) Backfill(ctx context.Context, afterSeq int64) ([]Event, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT seq, table_name, op, before, after
		FROM feed_events WHERE seq > $1 ORDER BY seq ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query feed events: %v", infrastructure.ErrTransient, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var op string
		var before, after []byte
		if err := rows.Scan(&ev.Seq, &ev.Table, &op, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan feed event: %w", err)
		}
		ev.Op = Op(op)
		ev.Before = before
		ev.After = after
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (f *PostgresFeed) Close() error {
	return f.listener.Close()
}
