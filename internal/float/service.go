package float

import (
	"context"
	"time"

	"txprocessor/internal/contract"
	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/identity"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	floats     eventsourcing.Store[*Aggregate]
	activities eventsourcing.Store[*ActivityAggregate]
	contracts  eventsourcing.Store[*contract.Aggregate]
	estates    eventsourcing.Store[*estate.Aggregate]
	retrier    *eventsourcing.Retrier
	validator  *validator.Validator
	logger     logger.Logger
	now        func() time.Time
}

func NewService(
	floats eventsourcing.Store[*Aggregate],
	activities eventsourcing.Store[*ActivityAggregate],
	contracts eventsourcing.Store[*contract.Aggregate],
	estates eventsourcing.Store[*estate.Aggregate],
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		floats:     floats,
		activities: activities,
		contracts:  contracts,
		estates:    estates,
		retrier:    retrier,
		validator:  validator.New(),
		logger:     log,
		now:        time.Now,
	}
}

type CreateFloatRequest struct {
	EstateID   uuid.UUID `validate:"required"`
	ContractID uuid.UUID `validate:"required"`
	ProductID  uuid.UUID `validate:"required"`
}

type RecordCreditPurchaseRequest struct {
	FloatID          uuid.UUID       `validate:"required"`
	PurchaseDateTime time.Time       `validate:"required"`
	Amount           decimal.Decimal `validate:"gt=0"`
	CostPrice        decimal.Decimal `validate:"gt=0"`
}

type RecordTransactionRequest struct {
	EstateID            uuid.UUID       `validate:"required"`
	ContractID          uuid.UUID       `validate:"required"`
	ProductID           uuid.UUID       `validate:"required"`
	TransactionID       uuid.UUID       `validate:"required"`
	TransactionDateTime time.Time       `validate:"required"`
	Amount              decimal.Decimal `validate:"gt=0"`
}

type FloatResponse struct {
	FloatID              uuid.UUID       `json:"float_id"`
	EstateID             uuid.UUID       `json:"estate_id"`
	ContractID           uuid.UUID       `json:"contract_id"`
	ProductID            uuid.UUID       `json:"product_id"`
	TotalCreditPurchases decimal.Decimal `json:"total_credit_purchases"`
	TotalCostPrice       decimal.Decimal `json:"total_cost_price"`
	UnitCostPrice        decimal.Decimal `json:"unit_cost_price"`
}

func toResponse(a *Aggregate) *FloatResponse {
	return &FloatResponse{
		FloatID:              a.ID(),
		EstateID:             a.EstateID(),
		ContractID:           a.ContractID(),
		ProductID:            a.ProductID(),
		TotalCreditPurchases: a.TotalCreditPurchases(),
		TotalCostPrice:       a.TotalCostPrice(),
		UnitCostPrice:        a.DisplayUnitCostPrice(),
	}
}

// CreateFloatForContractProduct is idempotent. The float id is derived from the
// estate, contract and product.
func (s *Service) CreateFloatForContractProduct(ctx context.Context, req *CreateFloatRequest) (*FloatResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	floatID := identity.Float(req.EstateID, req.ContractID, req.ProductID)

	var resp *FloatResponse
	err := s.retrier.Do(ctx, "CreateFloatForContractProduct", func(ctx context.Context) error {
		if _, err := estate.Require(ctx, s.estates, req.EstateID); err != nil {
			return err
		}
		c, err := s.contracts.GetLatest(ctx, req.ContractID)
		if err != nil {
			return err
		}
		if c.EstateID() != req.EstateID {
			return pkgerrors.Invalid("contract %s does not belong to estate %s", req.ContractID, req.EstateID)
		}
		if _, ok := c.Product(req.ProductID); !ok {
			return pkgerrors.NotFound("product %s not found on contract %s", req.ProductID, req.ContractID)
		}

		f, err := s.floats.GetLatestOrNew(ctx, floatID)
		if err != nil {
			return err
		}
		if err := f.Create(req.EstateID, req.ContractID, req.ProductID, s.now().UTC()); err != nil {
			return err
		}
		if err := s.floats.Save(ctx, f); err != nil {
			return err
		}
		resp = toResponse(f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Float created", map[string]interface{}{
		"float_id":    floatID,
		"contract_id": req.ContractID,
		"product_id":  req.ProductID,
	})
	return resp, nil
}

// RecordCreditPurchase updates the cost basis, then books the credit on the
// float's activity for that day. A purchase already on the float only re-drives
// the activity step.
func (s *Service) RecordCreditPurchase(ctx context.Context, req *RecordCreditPurchaseRequest) (*FloatResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *FloatResponse
	err := s.retrier.Do(ctx, "RecordCreditPurchase", func(ctx context.Context) error {
		f, err := s.floats.GetLatest(ctx, req.FloatID)
		if err != nil {
			return err
		}
		if f.HasCredit(req.PurchaseDateTime, req.Amount, req.CostPrice) {
			resp = toResponse(f)
			return nil
		}
		if err := f.RecordCreditPurchase(req.PurchaseDateTime, req.Amount, req.CostPrice); err != nil {
			return err
		}
		if err := s.floats.Save(ctx, f); err != nil {
			return err
		}
		resp = toResponse(f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	creditID := identity.FloatCredit(req.FloatID, req.PurchaseDateTime, req.Amount, req.CostPrice)
	err = s.recordActivity(ctx, "RecordFloatCredit", req.FloatID, req.PurchaseDateTime, func(a *ActivityAggregate) error {
		return a.RecordCredit(req.FloatID, creditID, req.Amount, req.CostPrice, req.PurchaseDateTime)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Float credit purchased", map[string]interface{}{
		"float_id":   req.FloatID,
		"amount":     req.Amount.String(),
		"cost_price": req.CostPrice.String(),
		"unit_cost":  resp.UnitCostPrice.String(),
	})
	return resp, nil
}

// RecordTransactionAgainstFloat books a sale as a debit on the float activity.
func (s *Service) RecordTransactionAgainstFloat(ctx context.Context, req *RecordTransactionRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	floatID := identity.Float(req.EstateID, req.ContractID, req.ProductID)
	if _, err := s.floats.GetLatest(ctx, floatID); err != nil {
		return err
	}
	return s.recordActivity(ctx, "RecordFloatDebit", floatID, req.TransactionDateTime, func(a *ActivityAggregate) error {
		return a.RecordDebit(floatID, req.TransactionID, req.Amount, req.TransactionDateTime)
	})
}

func (s *Service) recordActivity(ctx context.Context, operation string, floatID uuid.UUID, at time.Time, mutate func(a *ActivityAggregate) error) error {
	activityID := identity.FloatActivity(floatID, at)
	return s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		a, err := s.activities.GetLatestOrNew(ctx, activityID)
		if err != nil {
			return err
		}
		if err := mutate(a); err != nil {
			return err
		}
		return s.activities.Save(ctx, a)
	})
}

// GetUnitCost returns the unrounded unit cost of the product's float.
func (s *Service) GetUnitCost(ctx context.Context, estateID, contractID, productID uuid.UUID) (decimal.Decimal, error) {
	f, err := s.floats.GetLatest(ctx, identity.Float(estateID, contractID, productID))
	if err != nil {
		return decimal.Zero, err
	}
	if !f.TotalCreditPurchases().IsPositive() {
		return decimal.Zero, pkgerrors.Invalid("float %s has no credit purchases", f.ID())
	}
	return f.UnitCostPrice(), nil
}

func (s *Service) GetFloat(ctx context.Context, floatID uuid.UUID) (*FloatResponse, error) {
	f, err := s.floats.GetLatest(ctx, floatID)
	if err != nil {
		return nil, err
	}
	return toResponse(f), nil
}
