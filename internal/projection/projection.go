// Package projection writes query-side views of aggregate state to a key-value
// store. Views are disposable and can always be rebuilt from the event log.
package projection

import (
	"context"
	"fmt"
	"time"

	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
)

// View kinds.
const (
	KindMerchantBalance = "merchant-balance"
	KindSettlement      = "settlement"
	KindVoucher         = "voucher"
)

// KeyValueStore is satisfied by cache.RedisCache.
type KeyValueStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
}

type Writer struct {
	store  KeyValueStore
	prefix string
	ttl    time.Duration
	logger logger.Logger
}

func NewWriter(store KeyValueStore, prefix string, ttl time.Duration, log logger.Logger) *Writer {
	return &Writer{store: store, prefix: prefix, ttl: ttl, logger: log}
}

func (w *Writer) key(kind string, id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", w.prefix, kind, id)
}

// Project replaces the stored view for (kind, id).
func (w *Writer) Project(ctx context.Context, kind string, id uuid.UUID, view interface{}) error {
	if err := w.store.Set(ctx, w.key(kind, id), view, w.ttl); err != nil {
		w.logger.Warn("Failed to write read model", map[string]interface{}{
			"kind":  kind,
			"id":    id,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// Load decodes the stored view into dest.
func (w *Writer) Load(ctx context.Context, kind string, id uuid.UUID, dest interface{}) error {
	return w.store.Get(ctx, w.key(kind, id), dest)
}

func (w *Writer) Remove(ctx context.Context, kind string, id uuid.UUID) error {
	return w.store.Delete(ctx, w.key(kind, id))
}

// Nop discards every view. Used when no read-model store is configured.
type Nop struct{}

func (Nop) Project(context.Context, string, uuid.UUID, interface{}) error { return nil }

func (Nop) Load(_ context.Context, kind string, id uuid.UUID, _ interface{}) error {
	return pkgerrors.NotFound("%s view %s not found", kind, id)
}

func (Nop) Remove(context.Context, string, uuid.UUID) error { return nil }
