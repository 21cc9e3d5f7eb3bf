// Package sequence issues and binds the per-organization SequenceIDs the
// aggregator uses to recognize retransmissions of unchanged records.
package sequence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/evv-cli/internal/model"
)

// Store is the persistence the allocator needs. NextSequence must be a single
// atomic increment scoped to (org, entity).
type Store interface {
	NextSequence(ctx context.Context, orgID string, entity model.EntityType) (int64, error)
	GetSequenceBinding(ctx context.Context, entity model.EntityType, recordID string) (*model.SequenceBinding, error)
	BindSequence(ctx context.Context, b model.SequenceBinding) error
}

// Allocator hands out SequenceIDs and remembers which record state each was
// issued for.
type Allocator struct {
	store Store
	group singleflight.Group
	now   func() time.Time
}

// New creates an Allocator backed by s.
func New(s Store) *Allocator {
	return &Allocator{store: s, now: time.Now}
}

// Next issues a new, strictly increasing value for (orgID, entity).
func (a *Allocator) Next(ctx context.Context, orgID string, entity model.EntityType) (int64, error) {
	v, err := a.store.NextSequence(ctx, orgID, entity)
	if err != nil {
		return 0, eris.Wrap(err, "sequence: next")
	}
	return v, nil
}

// Get returns the value bound to the record, if any.
func (a *Allocator) Get(ctx context.Context, entity model.EntityType, recordID string) (int64, bool, error) {
	b, err := a.store.GetSequenceBinding(ctx, entity, recordID)
	if err != nil {
		return 0, false, eris.Wrap(err, "sequence: get binding")
	}
	if b == nil {
		return 0, false, nil
	}
	return b.Value, true, nil
}

// Bind associates value with the record and the fingerprint of the state it
// was issued for.
func (a *Allocator) Bind(ctx context.Context, orgID string, entity model.EntityType, recordID string, value int64, fingerprint string) error {
	err := a.store.BindSequence(ctx, model.SequenceBinding{
		OrgID:       orgID,
		EntityType:  entity,
		RecordID:    recordID,
		Value:       value,
		Fingerprint: fingerprint,
		BoundAt:     a.now().UTC(),
	})
	return eris.Wrap(err, "sequence: bind")
}

// Resolve returns the SequenceID to send for the record in the state
// described by fingerprint. An unchanged record reuses its bound value; a
// new or changed record gets a fresh value which is bound before returning.
func (a *Allocator) Resolve(ctx context.Context, orgID string, entity model.EntityType, recordID, fingerprint string) (value int64, reused bool, err error) {
	key := string(entity) + "/" + recordID + "/" + fingerprint
	type resolved struct {
		value  int64
		reused bool
	}
	out, err, _ := a.group.Do(key, func() (any, error) {
		b, err := a.store.GetSequenceBinding(ctx, entity, recordID)
		if err != nil {
			return nil, eris.Wrap(err, "sequence: get binding")
		}
		if b != nil && b.Fingerprint == fingerprint {
			return resolved{value: b.Value, reused: true}, nil
		}

		next, err := a.Next(ctx, orgID, entity)
		if err != nil {
			return nil, err
		}
		if err := a.Bind(ctx, orgID, entity, recordID, next, fingerprint); err != nil {
			return nil, err
		}
		fields := []zap.Field{
			zap.String("org_id", orgID),
			zap.String("entity_type", string(entity)),
			zap.String("record_id", recordID),
			zap.Int64("sequence_id", next),
		}
		if b != nil {
			fields = append(fields, zap.Int64("previous_sequence_id", b.Value))
		}
		zap.L().Debug("sequence: issued", fields...)
		return resolved{value: next}, nil
	})
	if err != nil {
		return 0, false, err
	}
	r := out.(resolved)
	return r.value, r.reused, nil
}

// Fingerprint hashes a canonical encoding of a record's submitted state.
// Callers pass the payload JSON with its SequenceID cleared.
func Fingerprint(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
