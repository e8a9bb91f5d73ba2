package transaction

import (
	"context"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	"txprocessor/pkg/logger"
)

// FeeSettler marks settled fees on transactions. It needs only the
// transaction store, so settlement can be built before Service.
type FeeSettler struct {
	transactions eventsourcing.Store[*Aggregate]
	retrier      *eventsourcing.Retrier
	logger       logger.Logger
}

func NewFeeSettler(transactions eventsourcing.Store[*Aggregate], retrier *eventsourcing.Retrier, log logger.Logger) *FeeSettler {
	return &FeeSettler{transactions: transactions, retrier: retrier, logger: log}
}

// AddSettledFeeToTransaction is idempotent per fee.
func (f *FeeSettler) AddSettledFeeToTransaction(ctx context.Context, fee fees.SettledFee) error {
	err := f.retrier.Do(ctx, "AddSettledFeeToTransaction", func(ctx context.Context) error {
		tx, err := f.transactions.GetLatest(ctx, fee.TransactionID)
		if err != nil {
			return err
		}
		if err := tx.AddSettledFee(fee.Fee, fee.SettlementID, fee.SettledAt); err != nil {
			return err
		}
		return f.transactions.Save(ctx, tx)
	})
	if err != nil {
		return err
	}

	f.logger.Info("Fee settled on transaction", map[string]interface{}{
		"transaction_id": fee.TransactionID,
		"fee_id":         fee.Fee.FeeID,
		"settlement_id":  fee.SettlementID,
	})
	return nil
}
