package store

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/google/uuid"
)

// WildcardTenant addresses every tenant in tenant-scoped lookups.
const WildcardTenant = "*"

// StreamRef addresses one event stream.
type StreamRef struct {
	TenantID   string `json:"tenant_id"`
	StreamID   string `json:"stream_id"`
	StreamType string `json:"stream_type"`
}

// Record is a persisted event. Position is global across all streams,
// Version is per stream and gapless from 1.
type Record struct {
	Position       int64             `json:"position"`
	TenantID       string            `json:"tenant_id"`
	StreamID       string            `json:"stream_id"`
	StreamType     string            `json:"stream_type"`
	Version        int64             `json:"version"`
	EventID        uuid.UUID         `json:"event_id"`
	Name           string            `json:"name"`
	SchemaVersion  int               `json:"schema_version"`
	Payload        []byte            `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	CausationID    string            `json:"causation_id,omitempty"`
	ActorID        string            `json:"actor_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (r Record) Stream() StreamRef {
	return StreamRef{TenantID: r.TenantID, StreamID: r.StreamID, StreamType: r.StreamType}
}

// NewEvent is an encoded event waiting to be appended.
type NewEvent struct {
	EventID       uuid.UUID
	Name          string
	SchemaVersion int
	Payload       []byte
	Metadata      map[string]string
	CreatedAt     time.Time
}

// AppendRequest appends Events to one stream. ExpectedVersion is the stream
// version the writer last observed (0 for a new stream).
type AppendRequest struct {
	Stream          StreamRef
	ExpectedVersion int64
	Events          []NewEvent
	IdempotencyKey  string
	CorrelationID   string
	CausationID     string
	ActorID         string
}

// AppendResult describes a committed append.
type AppendResult struct {
	Stream        StreamRef
	FirstVersion  int64
	LastVersion   int64
	FirstPosition int64
	LastPosition  int64
	Records       []Record
}

// ReadAllQuery selects records in global order. Zero values mean no filter.
type ReadAllQuery struct {
	After       int64
	Limit       int
	StreamTypes []string
	TenantID    string
}

// DBTX is satisfied by *sql.DB, *sql.Tx and *sql.Conn so store calls can run
// inside or outside a caller-owned transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventStore is the append-only event log.
type EventStore interface {
	Append(ctx context.Context, tx DBTX, req AppendRequest) (AppendResult, error)
	ReadStream(ctx context.Context, q DBTX, tenantID, streamID string, fromVersion int64) iter.Seq2[Record, error]
	ReadAll(ctx context.Context, q DBTX, query ReadAllQuery) ([]Record, error)
	HeadPosition(ctx context.Context, q DBTX) (int64, error)
	// PriorWrite looks up the append committed under an idempotency key.
	PriorWrite(ctx context.Context, q DBTX, key string) (AppendResult, bool, error)
}
