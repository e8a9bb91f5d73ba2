package balance

import (
	"context"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/merchant"
	"txprocessor/internal/projection"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	balances  eventsourcing.Store[*Aggregate]
	merchants eventsourcing.Store[*merchant.Aggregate]
	projector Projector
	retrier   *eventsourcing.Retrier
	logger    logger.Logger
	now       func() time.Time
}

func NewService(
	balances eventsourcing.Store[*Aggregate],
	merchants eventsourcing.Store[*merchant.Aggregate],
	projector Projector,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		balances:  balances,
		merchants: merchants,
		projector: projector,
		retrier:   retrier,
		logger:    log,
		now:       time.Now,
	}
}

type BalanceResponse struct {
	MerchantID      uuid.UUID       `json:"merchant_id"`
	EstateID        uuid.UUID       `json:"estate_id"`
	MerchantName    string          `json:"merchant_name"`
	Balance         decimal.Decimal `json:"balance"`
	Deposits        Activity        `json:"deposits"`
	Withdrawals     Activity        `json:"withdrawals"`
	AuthorisedSales Activity        `json:"authorised_sales"`
	DeclinedSales   Activity        `json:"declined_sales"`
	Fees            Activity        `json:"fees"`
}

func toResponse(a *Aggregate) *BalanceResponse {
	return &BalanceResponse{
		MerchantID:      a.ID(),
		EstateID:        a.EstateID(),
		MerchantName:    a.MerchantName(),
		Balance:         a.Balance(),
		Deposits:        a.Deposits(),
		Withdrawals:     a.Withdrawals(),
		AuthorisedSales: a.AuthorisedSales(),
		DeclinedSales:   a.DeclinedSales(),
		Fees:            a.Fees(),
	}
}

// record ensures the merchant exists and the balance is initialised before the
// activity is staged. The read model is refreshed after a successful save.
func (s *Service) record(ctx context.Context, operation string, merchantID uuid.UUID, mutate func(b *Aggregate) error) error {
	var view *BalanceResponse
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		m, err := merchant.Require(ctx, s.merchants, merchantID)
		if err != nil {
			return err
		}
		b, err := s.balances.GetLatestOrNew(ctx, merchantID)
		if err != nil {
			return err
		}
		if err := b.Initialise(m, s.now().UTC()); err != nil {
			return err
		}
		if err := mutate(b); err != nil {
			return err
		}
		if err := s.balances.Save(ctx, b); err != nil {
			return err
		}
		view = toResponse(b)
		return nil
	})
	if err != nil {
		return err
	}

	s.project(ctx, view)
	return nil
}

func (s *Service) project(ctx context.Context, view *BalanceResponse) {
	if err := s.projector.Project(ctx, projection.KindMerchantBalance, view.MerchantID, view); err != nil {
		s.logger.Warn("Merchant balance projection failed", map[string]interface{}{
			"merchant_id": view.MerchantID,
			"error":       err.Error(),
		})
	}
}

func (s *Service) RecordCompletedTransaction(ctx context.Context, merchantID, transactionID uuid.UUID, amount decimal.Decimal, isAuthorised bool, completedAt time.Time) error {
	return s.record(ctx, "RecordCompletedTransaction", merchantID, func(b *Aggregate) error {
		return b.RecordCompletedTransaction(transactionID, amount, isAuthorised, completedAt)
	})
}

func (s *Service) RecordMerchantDeposit(ctx context.Context, merchantID, depositID uuid.UUID, amount decimal.Decimal, depositDateTime time.Time) error {
	return s.record(ctx, "RecordMerchantDeposit", merchantID, func(b *Aggregate) error {
		return b.RecordDeposit(depositID, amount, depositDateTime)
	})
}

func (s *Service) RecordMerchantWithdrawal(ctx context.Context, merchantID, withdrawalID uuid.UUID, amount decimal.Decimal, withdrawalDateTime time.Time) error {
	return s.record(ctx, "RecordMerchantWithdrawal", merchantID, func(b *Aggregate) error {
		return b.RecordWithdrawal(withdrawalID, amount, withdrawalDateTime)
	})
}

func (s *Service) RecordSettledFee(ctx context.Context, merchantID, transactionID, feeID uuid.UUID, amount decimal.Decimal, settledAt time.Time) error {
	return s.record(ctx, "RecordSettledFee", merchantID, func(b *Aggregate) error {
		return b.RecordSettledFee(transactionID, feeID, amount, settledAt)
	})
}

// AvailableBalance is zero for a merchant with no recorded activity.
func (s *Service) AvailableBalance(ctx context.Context, merchantID uuid.UUID) (decimal.Decimal, error) {
	b, err := s.balances.GetLatest(ctx, merchantID)
	if pkgerrors.IsNotFound(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance(), nil
}

// GetMerchantBalance reads the balance from its stream and refreshes the read model.
func (s *Service) GetMerchantBalance(ctx context.Context, merchantID uuid.UUID) (*BalanceResponse, error) {
	b, err := s.balances.GetLatest(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	view := toResponse(b)
	s.project(ctx, view)
	return view, nil
}

// Projector writes query-side views.
type Projector interface {
	Project(ctx context.Context, kind string, id uuid.UUID, view interface{}) error
}
