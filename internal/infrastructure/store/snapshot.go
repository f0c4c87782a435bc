package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultSnapshotThreshold is the number of events between snapshots when
// no other policy is configured.
const DefaultSnapshotThreshold = 10

// Snapshot is a point-in-time copy of an aggregate's state. It is a cache:
// the event history is always the source of truth.
type Snapshot struct {
	TenantID   string          `json:"tenant_id"`
	StreamID   string          `json:"stream_id"`
	StreamType string          `json:"stream_type"`
	Version    int64           `json:"version"` // Last event version folded into State
	State      json.RawMessage `json:"state"`
	Checksum   string          `json:"checksum"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SnapshotStore keeps snapshots per stream.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	// LoadLatest returns the newest snapshot with Version <= maxVersion, or
	// ErrNotFound. A maxVersion of 0 or less means no upper bound.
	LoadLatest(ctx context.Context, tenantID, streamID string, maxVersion int64) (Snapshot, error)
}

// Checksum returns the hex BLAKE2b-256 digest of state.
func Checksum(state []byte) string {
	sum := blake2b.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// NewSnapshot builds a snapshot with its checksum filled in.
func NewSnapshot(stream StreamRef, version int64, state []byte, now time.Time) Snapshot {
	return Snapshot{
		TenantID:   stream.TenantID,
		StreamID:   stream.StreamID,
		StreamType: stream.StreamType,
		Version:    version,
		State:      state,
		Checksum:   Checksum(state),
		CreatedAt:  now.UTC(),
	}
}

// Verify reports a serialization failure if the state does not match its
// checksum.
func (s Snapshot) Verify() error {
	if s.Checksum != Checksum(s.State) {
		return fmt.Errorf("%w: snapshot checksum mismatch for stream %s/%s at version %d",
			ErrSerialization, s.TenantID, s.StreamID, s.Version)
	}
	return nil
}
