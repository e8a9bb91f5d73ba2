package contract

import (
	"context"
	"encoding/json"
	"strings"

	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	contracts eventsourcing.Store[*Aggregate]
	estates   eventsourcing.Store[*estate.Aggregate]
	events    eventsourcing.EventStore
	retrier   *eventsourcing.Retrier
	validator *validator.Validator
	logger    logger.Logger
}

func NewService(
	contracts eventsourcing.Store[*Aggregate],
	estates eventsourcing.Store[*estate.Aggregate],
	events eventsourcing.EventStore,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		contracts: contracts,
		estates:   estates,
		events:    events,
		retrier:   retrier,
		validator: validator.New(),
		logger:    log,
	}
}

type CreateContractRequest struct {
	EstateID    uuid.UUID `validate:"required"`
	ContractID  uuid.UUID `validate:"required"`
	OperatorID  uuid.UUID `validate:"required"`
	Description string    `validate:"required"`
}

type AddProductRequest struct {
	ContractID  uuid.UUID `validate:"required"`
	ProductID   uuid.UUID `validate:"required"`
	Name        string    `validate:"required"`
	DisplayText string    `validate:"required"`
	// Value is nil for a variable value product.
	Value       *decimal.Decimal
	ProductType ProductType
}

type AddTransactionFeeRequest struct {
	ContractID      uuid.UUID            `validate:"required"`
	ProductID       uuid.UUID            `validate:"required"`
	FeeID           uuid.UUID            `validate:"required"`
	Description     string               `validate:"required"`
	FeeType         fees.FeeType         `validate:"required"`
	CalculationType fees.CalculationType `validate:"required"`
	Value           decimal.Decimal      `validate:"gt=0"`
}

type DisableTransactionFeeRequest struct {
	ContractID uuid.UUID `validate:"required"`
	ProductID  uuid.UUID `validate:"required"`
	FeeID      uuid.UUID `validate:"required"`
}

type ProductResponse struct {
	ProductID   uuid.UUID         `json:"product_id"`
	Name        string            `json:"name"`
	DisplayText string            `json:"display_text"`
	Value       *decimal.Decimal  `json:"value,omitempty"`
	ProductType ProductType       `json:"product_type"`
	Fees        []fees.Definition `json:"fees"`
}

type ContractResponse struct {
	ContractID  uuid.UUID         `json:"contract_id"`
	EstateID    uuid.UUID         `json:"estate_id"`
	OperatorID  uuid.UUID         `json:"operator_id"`
	Description string            `json:"description"`
	Products    []ProductResponse `json:"products"`
}

func toResponse(a *Aggregate) *ContractResponse {
	resp := &ContractResponse{
		ContractID:  a.ID(),
		EstateID:    a.EstateID(),
		OperatorID:  a.OperatorID(),
		Description: a.Description(),
	}
	for _, p := range a.Products() {
		resp.Products = append(resp.Products, ProductResponse{
			ProductID:   p.ProductID,
			Name:        p.Name,
			DisplayText: p.DisplayText,
			Value:       p.Value,
			ProductType: p.ProductType,
			Fees:        p.Fees,
		})
	}
	return resp
}

// CreateContract requires the operator to be active on the estate and the
// description to be unique for that estate and operator.
func (s *Service) CreateContract(ctx context.Context, req *CreateContractRequest) (*ContractResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *ContractResponse
	err := s.retrier.Do(ctx, "CreateContract", func(ctx context.Context) error {
		e, err := estate.Require(ctx, s.estates, req.EstateID)
		if err != nil {
			return err
		}
		if !e.HasOperator(req.OperatorID) {
			return pkgerrors.Invalid("operator %s is not assigned to estate %s", req.OperatorID, req.EstateID)
		}

		duplicate, err := s.descriptionInUse(ctx, req.EstateID, req.OperatorID, req.Description)
		if err != nil {
			return err
		}
		if duplicate {
			return pkgerrors.Conflict("contract %q already exists for operator %s", req.Description, req.OperatorID)
		}

		c, err := s.contracts.GetLatestOrNew(ctx, req.ContractID)
		if err != nil {
			return err
		}
		if err := c.Create(req.EstateID, req.OperatorID, req.Description); err != nil {
			return err
		}
		if err := s.contracts.Save(ctx, c); err != nil {
			return err
		}
		resp = toResponse(c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Contract created", map[string]interface{}{
		"contract_id": req.ContractID,
		"estate_id":   req.EstateID,
		"operator_id": req.OperatorID,
	})
	return resp, nil
}

// descriptionInUse scans every contract creation in the log.
func (s *Service) descriptionInUse(ctx context.Context, estateID, operatorID uuid.UUID, description string) (bool, error) {
	q := &descriptionQuery{estateID: estateID, operatorID: operatorID, description: description}
	if err := s.events.RunTransientQuery(ctx, q); err != nil {
		return false, err
	}
	return q.found, nil
}

type descriptionQuery struct {
	estateID    uuid.UUID
	operatorID  uuid.UUID
	description string
	found       bool
}

func (q *descriptionQuery) Category() string { return AggregateType }

func (q *descriptionQuery) When(event eventsourcing.RecordedEvent) error {
	if q.found || event.Type != (&Created{}).EventType() {
		return nil
	}
	var created Created
	if err := json.Unmarshal(event.Data, &created); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrSerialization, err.Error())
	}
	if created.EstateID == q.estateID && created.OperatorID == q.operatorID &&
		strings.EqualFold(created.Description, q.description) {
		q.found = true
	}
	return nil
}

func (s *Service) execute(ctx context.Context, operation string, contractID uuid.UUID, mutate func(c *Aggregate) error) (*ContractResponse, error) {
	var resp *ContractResponse
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		c, err := s.contracts.GetLatest(ctx, contractID)
		if err != nil {
			return err
		}
		if err := mutate(c); err != nil {
			return err
		}
		if err := s.contracts.Save(ctx, c); err != nil {
			return err
		}
		resp = toResponse(c)
		return nil
	})
	return resp, err
}

func (s *Service) AddProductToContract(ctx context.Context, req *AddProductRequest) (*ContractResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	productType := req.ProductType
	if productType == "" {
		productType = ProductTypeOther
	}

	resp, err := s.execute(ctx, "AddProductToContract", req.ContractID, func(c *Aggregate) error {
		if req.Value != nil {
			return c.AddFixedValueProduct(req.ProductID, req.Name, req.DisplayText, *req.Value, productType)
		}
		return c.AddVariableValueProduct(req.ProductID, req.Name, req.DisplayText, productType)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Product added to contract", map[string]interface{}{
		"contract_id": req.ContractID,
		"product_id":  req.ProductID,
		"name":        req.Name,
	})
	return resp, nil
}

func (s *Service) AddTransactionFeeForProductToContract(ctx context.Context, req *AddTransactionFeeRequest) (*ContractResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	fee := fees.Definition{
		FeeID:           req.FeeID,
		Description:     req.Description,
		FeeType:         req.FeeType,
		CalculationType: req.CalculationType,
		Value:           req.Value,
	}

	resp, err := s.execute(ctx, "AddTransactionFeeForProductToContract", req.ContractID, func(c *Aggregate) error {
		return c.AddTransactionFee(req.ProductID, fee)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction fee added", map[string]interface{}{
		"contract_id": req.ContractID,
		"product_id":  req.ProductID,
		"fee_id":      req.FeeID,
		"fee_type":    req.FeeType,
	})
	return resp, nil
}

func (s *Service) DisableTransactionFeeForProduct(ctx context.Context, req *DisableTransactionFeeRequest) (*ContractResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, "DisableTransactionFeeForProduct", req.ContractID, func(c *Aggregate) error {
		return c.DisableTransactionFee(req.ProductID, req.FeeID)
	})
}

func (s *Service) GetContract(ctx context.Context, contractID uuid.UUID) (*ContractResponse, error) {
	c, err := s.contracts.GetLatest(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return toResponse(c), nil
}
