package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	data    map[string][]byte
	ttls    map[string]time.Duration
	failSet error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	if f.failSet != nil {
		return f.failSet
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	f.ttls[key] = expiration
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := f.data[key]
	if !ok {
		return pkgerrors.NotFound("key %s not found", key)
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

type balanceView struct {
	MerchantID uuid.UUID `json:"merchant_id"`
	Balance    string    `json:"balance"`
}

func TestWriter_ProjectAndLoad(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, "txp", time.Hour, logger.NewNop())
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, w.Project(ctx, KindMerchantBalance, id, balanceView{MerchantID: id, Balance: "12.50"}))
	key := "txp:" + KindMerchantBalance + ":" + id.String()
	assert.Contains(t, store.data, key)
	assert.Equal(t, time.Hour, store.ttls[key])

	var got balanceView
	require.NoError(t, w.Load(ctx, KindMerchantBalance, id, &got))
	assert.Equal(t, "12.50", got.Balance)

	require.NoError(t, w.Project(ctx, KindMerchantBalance, id, balanceView{MerchantID: id, Balance: "20.00"}))
	require.NoError(t, w.Load(ctx, KindMerchantBalance, id, &got))
	assert.Equal(t, "20.00", got.Balance)

	err := w.Load(ctx, KindSettlement, id, &got)
	assert.True(t, pkgerrors.IsNotFound(err))

	require.NoError(t, w.Remove(ctx, KindMerchantBalance, id))
	assert.Empty(t, store.data)
}

func TestWriter_ProjectError(t *testing.T) {
	store := newFakeStore()
	store.failSet = errors.New("connection refused")
	w := NewWriter(store, "txp", 0, logger.NewNop())

	err := w.Project(context.Background(), KindVoucher, uuid.New(), balanceView{})
	assert.EqualError(t, err, "connection refused")
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	var n Nop

	assert.NoError(t, n.Project(ctx, KindSettlement, id, struct{}{}))
	assert.NoError(t, n.Remove(ctx, KindSettlement, id))
	assert.ErrorIs(t, n.Load(ctx, KindSettlement, id, &struct{}{}), pkgerrors.ErrNotFound)
}
