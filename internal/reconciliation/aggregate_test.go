package reconciliation

import (
	"context"
	"testing"
	"time"

	"txprocessor/internal/repository/memory"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 7, 10, 23, 0, 0, 0, time.UTC)

func started(t *testing.T) *Aggregate {
	t.Helper()
	r := New(uuid.New())
	require.NoError(t, r.Start(uuid.New(), uuid.New(), fixedNow, "TERM01"))
	return r
}

func TestAggregate_AuthoriseFlow(t *testing.T) {
	r := started(t)
	require.NoError(t, r.RecordOverallTotals(12, decimal.RequireFromString("345.50")))
	require.NoError(t, r.Authorise("0000", "SUCCESS"))
	require.NoError(t, r.Complete(fixedNow))

	assert.True(t, r.IsCompleted())
	assert.Equal(t, 12, r.TransactionCount())
	assert.True(t, r.TransactionValue().Equal(decimal.RequireFromString("345.50")))
	assert.ErrorIs(t, r.Complete(fixedNow), pkgerrors.ErrInvalid)
}

func TestAggregate_Guards(t *testing.T) {
	fresh := New(uuid.New())
	assert.ErrorIs(t, fresh.Authorise("0000", "SUCCESS"), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, fresh.RecordOverallTotals(1, decimal.NewFromInt(1)), pkgerrors.ErrInvalid)

	r := started(t)
	assert.ErrorIs(t, r.Start(uuid.New(), uuid.New(), fixedNow, "TERM01"), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, r.Complete(fixedNow), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, r.RecordOverallTotals(-1, decimal.Zero), pkgerrors.ErrInvalid)

	require.NoError(t, r.Decline("1000", "Device Identifier TERM01 not valid"))
	assert.ErrorIs(t, r.Authorise("0000", "SUCCESS"), pkgerrors.ErrInvalid)
	assert.ErrorIs(t, r.Decline("1000", "again"), pkgerrors.ErrInvalid)
	require.NoError(t, r.Complete(fixedNow))
	assert.False(t, r.IsAuthorised())
}

func TestAggregate_ReplayMatches(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(memory.NewEventStore(), logger.NewNop())

	r := started(t)
	require.NoError(t, r.RecordOverallTotals(3, decimal.NewFromInt(30)))
	require.NoError(t, r.Authorise("0000", "SUCCESS"))
	require.NoError(t, r.Complete(fixedNow))
	require.NoError(t, repo.Save(ctx, r))

	loaded, err := repo.GetLatest(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, r.EstateID(), loaded.EstateID())
	assert.Equal(t, r.TransactionCount(), loaded.TransactionCount())
	assert.True(t, loaded.TransactionValue().Equal(r.TransactionValue()))
	assert.True(t, loaded.IsCompleted())
	assert.Equal(t, int64(4), loaded.Version())
}
