package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 500

	recordColumns = `position, tenant_id, stream_id, stream_type, version, event_id, name, schema_version,
	payload, metadata, correlation_id, causation_id, actor_id, idempotency_key, created_at`
)

// SQLEventStore implements EventStore on PostgreSQL or SQLite. It never opens
// its own transactions: writers pass the transaction they own, readers pass
// either a transaction or the pool.
type SQLEventStore struct {
	dialect  Dialect
	pageSize int
	now      func() time.Time
}

type Option func(*SQLEventStore)

// WithPageSize sets how many rows ReadStream fetches per round trip and the
// default ReadAll limit.
func WithPageSize(n int) Option {
	return func(s *SQLEventStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SQLEventStore) { s.now = now }
}

func NewSQLEventStore(d Dialect, opts ...Option) *SQLEventStore {
	s := &SQLEventStore{
		dialect:  d,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLEventStore) Dialect() Dialect { return s.dialect }

// Append writes req.Events to the end of the stream inside tx.
//
// If the idempotency key was already committed the prior outcome is
// returned together with a *DuplicateWriteError and nothing is written; the
// transaction stays usable. If the stream head is not at req.ExpectedVersion
// a *ConflictError is returned and the transaction should be rolled back.
func (s *SQLEventStore) Append(ctx context.Context, tx DBTX, req AppendRequest) (AppendResult, error) {
	if err := validateAppend(req); err != nil {
		return AppendResult{}, err
	}
	if err := CheckContext(ctx); err != nil {
		return AppendResult{}, err
	}

	if s.dialect.appendLockSQL != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.appendLockSQL); err != nil {
			return AppendResult{}, wrapCtx(ctx, fmt.Errorf("acquire append lock: %w", err))
		}
	}

	prior, found, err := s.PriorWrite(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return AppendResult{}, err
	}
	if found {
		return prior, &DuplicateWriteError{Key: req.IdempotencyKey, Prior: prior}
	}

	current, streamType, err := s.streamHead(ctx, tx, req.Stream.TenantID, req.Stream.StreamID)
	if err != nil {
		return AppendResult{}, err
	}
	if current != req.ExpectedVersion {
		return AppendResult{}, &ConflictError{
			TenantID: req.Stream.TenantID,
			StreamID: req.Stream.StreamID,
			Expected: req.ExpectedVersion,
			Actual:   current,
		}
	}
	if current > 0 && streamType != req.Stream.StreamType {
		return AppendResult{}, fmt.Errorf("%w: stream %s is of type %s, not %s",
			ErrInvalidRequest, req.Stream.StreamID, streamType, req.Stream.StreamType)
	}

	now := s.now().UTC()
	insertSQL := s.dialect.Rebind(`INSERT INTO events (tenant_id, stream_id, stream_type, version, event_id, name,
	schema_version, payload, metadata, correlation_id, causation_id, actor_id, idempotency_key, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING position`)

	res := AppendResult{Stream: req.Stream, Records: make([]Record, 0, len(req.Events))}
	for i, ev := range req.Events {
		rec, metadata, err := s.newRecord(req, ev, current+int64(i)+1, now)
		if err != nil {
			return AppendResult{}, err
		}
		err = tx.QueryRowContext(ctx, insertSQL,
			rec.TenantID, rec.StreamID, rec.StreamType, rec.Version, rec.EventID, rec.Name,
			rec.SchemaVersion, rec.Payload, metadata, rec.CorrelationID, rec.CausationID, rec.ActorID,
			rec.IdempotencyKey, rec.CreatedAt.UnixMilli(),
		).Scan(&rec.Position)
		if err != nil {
			if table, ok := s.dialect.UniqueViolation(err); ok && (table == "events" || table == "") {
				return AppendResult{}, fmt.Errorf("%w: version %d of stream %s already exists",
					ErrConflict, rec.Version, rec.StreamID)
			}
			return AppendResult{}, wrapCtx(ctx, fmt.Errorf("insert event: %w", err))
		}
		res.Records = append(res.Records, rec)
	}

	first, last := res.Records[0], res.Records[len(res.Records)-1]
	res.FirstVersion, res.LastVersion = first.Version, last.Version
	res.FirstPosition, res.LastPosition = first.Position, last.Position

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO stream_heads (tenant_id, stream_id, stream_type, version, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, stream_id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`),
		req.Stream.TenantID, req.Stream.StreamID, req.Stream.StreamType, res.LastVersion, now.UnixMilli())
	if err != nil {
		return AppendResult{}, wrapCtx(ctx, fmt.Errorf("update stream head: %w", err))
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO event_writes (idempotency_key, tenant_id, stream_id, stream_type,
	first_version, last_version, first_position, last_position, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.IdempotencyKey, req.Stream.TenantID, req.Stream.StreamID, req.Stream.StreamType,
		res.FirstVersion, res.LastVersion, res.FirstPosition, res.LastPosition, now.UnixMilli())
	if err != nil {
		if _, ok := s.dialect.UniqueViolation(err); ok {
			return AppendResult{}, &DuplicateWriteError{Key: req.IdempotencyKey}
		}
		return AppendResult{}, wrapCtx(ctx, fmt.Errorf("record write: %w", err))
	}

	return res, nil
}

func (s *SQLEventStore) newRecord(req AppendRequest, ev NewEvent, version int64, now time.Time) (Record, string, error) {
	rec := Record{
		TenantID:       req.Stream.TenantID,
		StreamID:       req.Stream.StreamID,
		StreamType:     req.Stream.StreamType,
		Version:        version,
		EventID:        ev.EventID,
		Name:           ev.Name,
		SchemaVersion:  ev.SchemaVersion,
		Payload:        ev.Payload,
		Metadata:       ev.Metadata,
		CorrelationID:  req.CorrelationID,
		CausationID:    req.CausationID,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	if rec.EventID == uuid.Nil {
		rec.EventID = uuid.New()
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = 1
	}
	if !ev.CreatedAt.IsZero() {
		rec.CreatedAt = ev.CreatedAt.UTC()
	}
	// Stored with millisecond precision; keep the in-memory copy identical.
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli()).UTC()

	metadata := "{}"
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return Record{}, "", fmt.Errorf("%w: encode metadata: %w", ErrSerialization, err)
		}
		metadata = string(b)
	}
	return rec, metadata, nil
}

func validateAppend(req AppendRequest) error {
	switch {
	case len(req.Events) == 0:
		return ErrNoEvents
	case req.Stream.TenantID == "" || req.Stream.TenantID == WildcardTenant:
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	case req.Stream.StreamID == "":
		return fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	case req.Stream.StreamType == "":
		return fmt.Errorf("%w: stream type is required", ErrInvalidRequest)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case req.ExpectedVersion < 0:
		return fmt.Errorf("%w: expected version must not be negative", ErrInvalidRequest)
	}
	for _, ev := range req.Events {
		if ev.Name == "" {
			return fmt.Errorf("%w: event name is required", ErrInvalidRequest)
		}
	}
	return nil
}

func (s *SQLEventStore) streamHead(ctx context.Context, q DBTX, tenantID, streamID string) (int64, string, error) {
	var (
		version    int64
		streamType string
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT version, stream_type FROM stream_heads WHERE tenant_id = ? AND stream_id = ?"),
		tenantID, streamID).Scan(&version, &streamType)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", wrapCtx(ctx, fmt.Errorf("read stream head: %w", err))
	}
	return version, streamType, nil
}

// StreamVersion returns the current version of a stream, 0 if it has none.
func (s *SQLEventStore) StreamVersion(ctx context.Context, q DBTX, tenantID, streamID string) (int64, error) {
	v, _, err := s.streamHead(ctx, q, tenantID, streamID)
	return v, err
}

// PriorWrite returns the outcome of the append recorded under key, if any.
func (s *SQLEventStore) PriorWrite(ctx context.Context, q DBTX, key string) (AppendResult, bool, error) {
	var res AppendResult
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT tenant_id, stream_id, stream_type,
	first_version, last_version, first_position, last_position
	FROM event_writes WHERE idempotency_key = ?`), key).Scan(
		&res.Stream.TenantID, &res.Stream.StreamID, &res.Stream.StreamType,
		&res.FirstVersion, &res.LastVersion, &res.FirstPosition, &res.LastPosition)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, false, nil
	}
	if err != nil {
		return AppendResult{}, false, wrapCtx(ctx, fmt.Errorf("read prior write: %w", err))
	}

	res.Records, err = s.queryRecords(ctx, q, `SELECT `+recordColumns+` FROM events
	WHERE tenant_id = ? AND stream_id = ? AND version BETWEEN ? AND ? ORDER BY version`,
		res.Stream.TenantID, res.Stream.StreamID, res.FirstVersion, res.LastVersion)
	if err != nil {
		return AppendResult{}, false, err
	}
	return res, true, nil
}

// ReadStream yields the records of one stream with version > fromVersion in
// version order. Rows are fetched in pages; no cursor stays open while the
// caller handles a record.
func (s *SQLEventStore) ReadStream(ctx context.Context, q DBTX, tenantID, streamID string, fromVersion int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		after := fromVersion
		for {
			page, err := s.queryRecords(ctx, q, `SELECT `+recordColumns+` FROM events
			WHERE tenant_id = ? AND stream_id = ? AND version > ? ORDER BY version LIMIT ?`,
				tenantID, streamID, after, s.pageSize)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				after = rec.Version
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// ReadAll returns up to query.Limit records with position > query.After in
// global order.
func (s *SQLEventStore) ReadAll(ctx context.Context, q DBTX, query ReadAllQuery) ([]Record, error) {
	var b strings.Builder
	args := []any{query.After}
	b.WriteString(`SELECT ` + recordColumns + ` FROM events WHERE position > ?`)
	if len(query.StreamTypes) > 0 {
		b.WriteString(" AND stream_type IN (" + Placeholders(len(query.StreamTypes)) + ")")
		for _, st := range query.StreamTypes {
			args = append(args, st)
		}
	}
	if query.TenantID != "" && query.TenantID != WildcardTenant {
		b.WriteString(" AND tenant_id = ?")
		args = append(args, query.TenantID)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = s.pageSize
	}
	b.WriteString(" ORDER BY position LIMIT ?")
	args = append(args, limit)

	return s.queryRecords(ctx, q, b.String(), args...)
}

// HeadPosition returns the highest committed position, 0 for an empty store.
func (s *SQLEventStore) HeadPosition(ctx context.Context, q DBTX) (int64, error) {
	var pos int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&pos); err != nil {
		return 0, wrapCtx(ctx, fmt.Errorf("read head position: %w", err))
	}
	return pos, nil
}

func (s *SQLEventStore) queryRecords(ctx context.Context, q DBTX, query string, args ...any) ([]Record, error) {
	if err := CheckContext(ctx); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, wrapCtx(ctx, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapCtx(ctx, fmt.Errorf("iterate events: %w", err))
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		metadata  string
		createdAt int64
	)
	err := row.Scan(&rec.Position, &rec.TenantID, &rec.StreamID, &rec.StreamType, &rec.Version,
		&rec.EventID, &rec.Name, &rec.SchemaVersion, &rec.Payload, &metadata,
		&rec.CorrelationID, &rec.CausationID, &rec.ActorID, &rec.IdempotencyKey, &createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("scan event: %w", err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("%w: decode metadata of event %d: %w", ErrSerialization, rec.Position, err)
		}
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}
