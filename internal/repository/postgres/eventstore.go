package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const queryBatchSize = 500

// EventStore persists streams in a single events table. Each stream carries its
// own sha256 chain so tampering with a stored event is detectable.
type EventStore struct {
	db        *sqlx.DB
	batchSize int
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db, batchSize: queryBatchSize}
}

type eventRow struct {
	Position     int64     `db:"position"`
	StreamID     string    `db:"stream_id"`
	Category     string    `db:"category"`
	Version      int64     `db:"version"`
	EventType    string    `db:"event_type"`
	Data         string    `db:"data"`
	PreviousHash string    `db:"previous_hash"`
	Hash         string    `db:"hash"`
	RecordedAt   time.Time `db:"recorded_at"`
}

func (r eventRow) recorded() eventsourcing.RecordedEvent {
	return eventsourcing.RecordedEvent{
		StreamID:   r.StreamID,
		Version:    r.Version,
		Type:       r.EventType,
		Data:       []byte(r.Data),
		Position:   r.Position,
		RecordedAt: r.RecordedAt,
	}
}

func chainHash(streamID string, version int64, eventType, data, previousHash string, recordedAt time.Time) string {
	payload := fmt.Sprintf("%s:%d:%s:%s:%s:%d", streamID, version, eventType, data, previousHash, recordedAt.UnixNano())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func (s *EventStore) ReadStream(ctx context.Context, streamID string) ([]eventsourcing.RecordedEvent, error) {
	var rows []eventRow
	query := `SELECT * FROM events WHERE stream_id = $1 ORDER BY version ASC`
	if err := s.db.SelectContext(ctx, &rows, query, streamID); err != nil {
		return nil, classify(err, "failed to read stream")
	}

	out := make([]eventsourcing.RecordedEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.recorded())
	}
	return out, nil
}

// Append locks the stream head, checks the expected version and inserts the
// events in one transaction. A concurrent first write to the same stream is
// caught by the (stream_id, version) unique key.
func (s *EventStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []eventsourcing.EventData) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, classify(err, "failed to begin append")
	}
	defer tx.Rollback()

	var head struct {
		Version int64  `db:"version"`
		Hash    string `db:"hash"`
	}
	queryHead := `SELECT version, hash FROM events WHERE stream_id = $1 ORDER BY version DESC LIMIT 1 FOR UPDATE`
	err = tx.GetContext(ctx, &head, queryHead, streamID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		head.Version, head.Hash = 0, genesisHash
	case err != nil:
		return 0, classify(err, "failed to read stream head")
	}

	if head.Version != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at %d, expected %d", pkgerrors.ErrVersionConflict, streamID, head.Version, expectedVersion)
	}

	insertQuery := `
		INSERT INTO events (
			stream_id, category, version, event_type, data, previous_hash, hash, recorded_at
		) VALUES (
			:stream_id, :category, :version, :event_type, :data, :previous_hash, :hash, :recorded_at
		)
	`

	now := time.Now().UTC().Truncate(time.Microsecond)
	version, previousHash := head.Version, head.Hash
	category := eventsourcing.StreamCategory(streamID)
	for _, e := range events {
		version++
		row := eventRow{
			StreamID:     streamID,
			Category:     category,
			Version:      version,
			EventType:    e.Type,
			Data:         string(e.Data),
			PreviousHash: previousHash,
			RecordedAt:   now,
		}
		row.Hash = chainHash(streamID, version, e.Type, row.Data, previousHash, now)
		if _, err := tx.NamedExecContext(ctx, insertQuery, row); err != nil {
			return 0, classify(err, "failed to insert event")
		}
		previousHash = row.Hash
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err, "failed to commit append")
	}
	return version, nil
}

// RunTransientQuery pages through one category in position order. All pages
// are read from one repeatable-read snapshot: positions are allocated before
// commit, so paging across separate snapshots could skip a row that committed
// late with a lower position. Events committed after the query starts are not
// seen.
func (s *EventStore) RunTransientQuery(ctx context.Context, q eventsourcing.TransientQuery) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return classify(err, "failed to begin transient query")
	}
	defer tx.Rollback()

	query := `SELECT * FROM events WHERE category = $1 AND position > $2 ORDER BY position ASC LIMIT $3`
	var after int64
	for {
		var rows []eventRow
		if err := tx.SelectContext(ctx, &rows, query, q.Category(), after, s.batchSize); err != nil {
			return classify(err, "failed to run transient query")
		}
		for _, r := range rows {
			if err := q.When(r.recorded()); err != nil {
				return err
			}
			after = r.Position
		}
		if len(rows) < s.batchSize {
			return nil
		}
	}
}

// VerifyStream recomputes the hash chain of one stream.
func (s *EventStore) VerifyStream(ctx context.Context, streamID string) (bool, error) {
	var rows []eventRow
	query := `SELECT * FROM events WHERE stream_id = $1 ORDER BY version ASC`
	if err := s.db.SelectContext(ctx, &rows, query, streamID); err != nil {
		return false, classify(err, "failed to read stream")
	}

	prevHash := genesisHash
	for i, r := range rows {
		if r.PreviousHash != prevHash {
			return false, fmt.Errorf("chain broken at version %d: expected prev_hash %s, got %s", r.Version, prevHash, r.PreviousHash)
		}
		if r.Version != int64(i)+1 {
			return false, fmt.Errorf("version gap at index %d: got %d", i, r.Version)
		}
		calc := chainHash(r.StreamID, r.Version, r.EventType, r.Data, r.PreviousHash, r.RecordedAt)
		if r.Hash != calc {
			return false, fmt.Errorf("hash mismatch at version %d: expected %s, got %s", r.Version, calc, r.Hash)
		}
		prevHash = r.Hash
	}
	return true, nil
}

// classify maps driver failures onto the event store error kinds.
func classify(err error, message string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s: %v", pkgerrors.ErrVersionConflict, message, err)
		case pqErr.Code.Class() == "08", pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57P01":
			return fmt.Errorf("%w: %s: %v", pkgerrors.ErrTransientStore, message, err)
		}
		return pkgerrors.Wrap(err, message)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", pkgerrors.ErrTransientStore, message, err)
	}
	return pkgerrors.Wrap(err, message)
}
