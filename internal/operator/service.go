package operator

import (
	"context"

	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
)

type Service struct {
	operators eventsourcing.Store[*Aggregate]
	estates   eventsourcing.Store[*estate.Aggregate]
	retrier   *eventsourcing.Retrier
	validator *validator.Validator
	logger    logger.Logger
}

func NewService(
	operators eventsourcing.Store[*Aggregate],
	estates eventsourcing.Store[*estate.Aggregate],
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		operators: operators,
		estates:   estates,
		retrier:   retrier,
		validator: validator.New(),
		logger:    log,
	}
}

type CreateOperatorRequest struct {
	EstateID                    uuid.UUID `validate:"required"`
	OperatorID                  uuid.UUID `validate:"required"`
	Name                        string    `validate:"required"`
	RequireCustomMerchantNumber bool
	RequireCustomTerminalNumber bool
}

type UpdateOperatorRequest struct {
	OperatorID                  uuid.UUID `validate:"required"`
	Name                        string
	RequireCustomMerchantNumber bool
	RequireCustomTerminalNumber bool
}

type OperatorResponse struct {
	OperatorID                  uuid.UUID `json:"operator_id"`
	EstateID                    uuid.UUID `json:"estate_id"`
	Name                        string    `json:"name"`
	RequireCustomMerchantNumber bool      `json:"require_custom_merchant_number"`
	RequireCustomTerminalNumber bool      `json:"require_custom_terminal_number"`
}

func toResponse(a *Aggregate) *OperatorResponse {
	return &OperatorResponse{
		OperatorID:                  a.ID(),
		EstateID:                    a.EstateID(),
		Name:                        a.Name(),
		RequireCustomMerchantNumber: a.RequireCustomMerchantNumber(),
		RequireCustomTerminalNumber: a.RequireCustomTerminalNumber(),
	}
}

// CreateOperator requires the owning estate to exist.
func (s *Service) CreateOperator(ctx context.Context, req *CreateOperatorRequest) (*OperatorResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *OperatorResponse
	err := s.retrier.Do(ctx, "CreateOperator", func(ctx context.Context) error {
		if _, err := estate.Require(ctx, s.estates, req.EstateID); err != nil {
			return err
		}

		op, err := s.operators.GetLatestOrNew(ctx, req.OperatorID)
		if err != nil {
			return err
		}
		if err := op.Create(req.EstateID, req.Name, req.RequireCustomMerchantNumber, req.RequireCustomTerminalNumber); err != nil {
			return err
		}
		if err := s.operators.Save(ctx, op); err != nil {
			return err
		}
		resp = toResponse(op)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Operator created", map[string]interface{}{
		"operator_id": req.OperatorID,
		"estate_id":   req.EstateID,
		"name":        req.Name,
	})
	return resp, nil
}

func (s *Service) UpdateOperator(ctx context.Context, req *UpdateOperatorRequest) (*OperatorResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *OperatorResponse
	err := s.retrier.Do(ctx, "UpdateOperator", func(ctx context.Context) error {
		op, err := s.operators.GetLatest(ctx, req.OperatorID)
		if err != nil {
			return err
		}
		if err := op.Update(req.Name, req.RequireCustomMerchantNumber, req.RequireCustomTerminalNumber); err != nil {
			return err
		}
		if err := s.operators.Save(ctx, op); err != nil {
			return err
		}
		resp = toResponse(op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// OperatorExists reports whether the operator has been created.
func (s *Service) OperatorExists(ctx context.Context, operatorID uuid.UUID) (bool, error) {
	op, err := s.operators.GetLatest(ctx, operatorID)
	if pkgerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return op.IsCreated(), nil
}

func (s *Service) GetOperator(ctx context.Context, operatorID uuid.UUID) (*OperatorResponse, error) {
	op, err := s.operators.GetLatest(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	return toResponse(op), nil
}
