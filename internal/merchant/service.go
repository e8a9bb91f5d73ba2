package merchant

import (
	"context"
	"time"

	"txprocessor/internal/clients/security"
	"txprocessor/internal/contract"
	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/identity"
	"txprocessor/internal/operator"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	merchants    eventsourcing.Store[*Aggregate]
	depositLists eventsourcing.Store[*DepositListAggregate]
	estates      eventsourcing.Store[*estate.Aggregate]
	operators    eventsourcing.Store[*operator.Aggregate]
	contracts    eventsourcing.Store[*contract.Aggregate]
	balances     BalanceRecorder
	users        UserCreator
	retrier      *eventsourcing.Retrier
	validator    *validator.Validator
	logger       logger.Logger
	now          func() time.Time
}

func NewService(
	merchants eventsourcing.Store[*Aggregate],
	depositLists eventsourcing.Store[*DepositListAggregate],
	estates eventsourcing.Store[*estate.Aggregate],
	operators eventsourcing.Store[*operator.Aggregate],
	contracts eventsourcing.Store[*contract.Aggregate],
	balances BalanceRecorder,
	users UserCreator,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		merchants:    merchants,
		depositLists: depositLists,
		estates:      estates,
		operators:    operators,
		contracts:    contracts,
		balances:     balances,
		users:        users,
		retrier:      retrier,
		validator:    validator.New(),
		logger:       log,
		now:          time.Now,
	}
}

type CreateMerchantRequest struct {
	EstateID           uuid.UUID `validate:"required"`
	MerchantID         uuid.UUID `validate:"required"`
	Name               string    `validate:"required"`
	SettlementSchedule SettlementSchedule
}

type AssignOperatorRequest struct {
	EstateID       uuid.UUID `validate:"required"`
	MerchantID     uuid.UUID `validate:"required"`
	OperatorID     uuid.UUID `validate:"required"`
	MerchantNumber string
	TerminalNumber string
}

type AddDeviceRequest struct {
	MerchantID       uuid.UUID `validate:"required"`
	DeviceID         uuid.UUID `validate:"required"`
	DeviceIdentifier string    `validate:"required"`
}

type SwapDeviceRequest struct {
	MerchantID               uuid.UUID `validate:"required"`
	DeviceID                 uuid.UUID `validate:"required"`
	OriginalDeviceIdentifier string    `validate:"required"`
	NewDeviceIdentifier      string    `validate:"required"`
}

type AddContractRequest struct {
	MerchantID uuid.UUID `validate:"required"`
	ContractID uuid.UUID `validate:"required"`
}

type SetSettlementScheduleRequest struct {
	MerchantID uuid.UUID          `validate:"required"`
	Schedule   SettlementSchedule `validate:"required"`
}

type CreateMerchantUserRequest struct {
	MerchantID   uuid.UUID `validate:"required"`
	EmailAddress string    `validate:"required,email"`
	Password     string    `validate:"required"`
	GivenName    string    `validate:"required"`
	MiddleName   string
	FamilyName   string `validate:"required"`
}

type MakeDepositRequest struct {
	MerchantID      uuid.UUID       `validate:"required"`
	Source          DepositSource   `validate:"required"`
	Reference       string          `validate:"required"`
	DepositDateTime time.Time       `validate:"required"`
	Amount          decimal.Decimal `validate:"gt=0"`
}

type MakeWithdrawalRequest struct {
	MerchantID         uuid.UUID       `validate:"required"`
	WithdrawalDateTime time.Time       `validate:"required"`
	Amount             decimal.Decimal `validate:"gt=0"`
}

type MerchantResponse struct {
	MerchantID         uuid.UUID          `json:"merchant_id"`
	EstateID           uuid.UUID          `json:"estate_id"`
	Name               string             `json:"name"`
	Reference          string             `json:"reference"`
	SettlementSchedule SettlementSchedule `json:"settlement_schedule"`
	NextSettlementDate time.Time          `json:"next_settlement_date,omitempty"`
	Operators          []Operator         `json:"operators"`
	Devices            []Device           `json:"devices"`
	Contracts          []Contract         `json:"contracts"`
	SecurityUsers      []SecurityUser     `json:"security_users"`
}

type DepositResponse struct {
	MerchantID uuid.UUID       `json:"merchant_id"`
	DepositID  uuid.UUID       `json:"deposit_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type WithdrawalResponse struct {
	MerchantID   uuid.UUID       `json:"merchant_id"`
	WithdrawalID uuid.UUID       `json:"withdrawal_id"`
	Amount       decimal.Decimal `json:"amount"`
}

func toResponse(a *Aggregate) *MerchantResponse {
	return &MerchantResponse{
		MerchantID:         a.ID(),
		EstateID:           a.EstateID(),
		Name:               a.Name(),
		Reference:          a.Reference(),
		SettlementSchedule: a.SettlementSchedule(),
		NextSettlementDate: a.NextSettlementDate(),
		Operators:          a.Operators(),
		Devices:            a.Devices(),
		Contracts:          a.Contracts(),
		SecurityUsers:      a.SecurityUsers(),
	}
}

// Require loads a merchant and reports a missing one as NotFound.
func Require(ctx context.Context, merchants eventsourcing.Store[*Aggregate], merchantID uuid.UUID) (*Aggregate, error) {
	m, err := merchants.GetLatest(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if !m.IsCreated() {
		return nil, pkgerrors.NotFound("merchant %s has not been created", merchantID)
	}
	return m, nil
}

func (s *Service) execute(ctx context.Context, operation string, merchantID uuid.UUID, mutate func(ctx context.Context, m *Aggregate) error) (*MerchantResponse, error) {
	var resp *MerchantResponse
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		m, err := Require(ctx, s.merchants, merchantID)
		if err != nil {
			return err
		}
		if err := mutate(ctx, m); err != nil {
			return err
		}
		if err := s.merchants.Save(ctx, m); err != nil {
			return err
		}
		resp = toResponse(m)
		return nil
	})
	return resp, err
}

// CreateMerchant is rejected with Forbidden when the estate does not exist.
func (s *Service) CreateMerchant(ctx context.Context, req *CreateMerchantRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *MerchantResponse
	err := s.retrier.Do(ctx, "CreateMerchant", func(ctx context.Context) error {
		if _, err := estate.Require(ctx, s.estates, req.EstateID); err != nil {
			return err
		}
		m, err := s.merchants.GetLatestOrNew(ctx, req.MerchantID)
		if err != nil {
			return err
		}
		if err := m.Create(req.EstateID, req.Name, req.SettlementSchedule, s.now().UTC()); err != nil {
			return err
		}
		if err := m.GenerateReference(); err != nil {
			return err
		}
		if err := s.merchants.Save(ctx, m); err != nil {
			return err
		}
		resp = toResponse(m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Merchant created", map[string]interface{}{
		"merchant_id": req.MerchantID,
		"estate_id":   req.EstateID,
		"name":        req.Name,
	})
	return resp, nil
}

// AssignOperatorToMerchant requires the operator to be active on the estate and
// the custom numbers the operator demands.
func (s *Service) AssignOperatorToMerchant(ctx context.Context, req *AssignOperatorRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	resp, err := s.execute(ctx, "AssignOperatorToMerchant", req.MerchantID, func(ctx context.Context, m *Aggregate) error {
		e, err := estate.Require(ctx, s.estates, req.EstateID)
		if err != nil {
			return err
		}
		if m.EstateID() != req.EstateID {
			return pkgerrors.Invalid("merchant %s does not belong to estate %s", req.MerchantID, req.EstateID)
		}
		if !e.HasOperator(req.OperatorID) {
			return pkgerrors.Invalid("operator %s is not assigned to estate %s", req.OperatorID, req.EstateID)
		}

		op, err := s.operators.GetLatest(ctx, req.OperatorID)
		if err != nil {
			return err
		}
		if op.RequireCustomMerchantNumber() && req.MerchantNumber == "" {
			return pkgerrors.Invalid("operator %s requires a merchant number", op.Name())
		}
		if op.RequireCustomTerminalNumber() && req.TerminalNumber == "" {
			return pkgerrors.Invalid("operator %s requires a terminal number", op.Name())
		}
		return m.AssignOperator(req.OperatorID, op.Name(), req.MerchantNumber, req.TerminalNumber)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Operator assigned to merchant", map[string]interface{}{
		"merchant_id": req.MerchantID,
		"operator_id": req.OperatorID,
	})
	return resp, nil
}

func (s *Service) RemoveOperatorFromMerchant(ctx context.Context, merchantID, operatorID uuid.UUID) (*MerchantResponse, error) {
	return s.execute(ctx, "RemoveOperatorFromMerchant", merchantID, func(_ context.Context, m *Aggregate) error {
		return m.RemoveOperator(operatorID)
	})
}

func (s *Service) AddDeviceToMerchant(ctx context.Context, req *AddDeviceRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, "AddDeviceToMerchant", req.MerchantID, func(_ context.Context, m *Aggregate) error {
		return m.AddDevice(req.DeviceID, req.DeviceIdentifier)
	})
}

func (s *Service) SwapMerchantDevice(ctx context.Context, req *SwapDeviceRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	resp, err := s.execute(ctx, "SwapMerchantDevice", req.MerchantID, func(_ context.Context, m *Aggregate) error {
		return m.SwapDevice(req.DeviceID, req.OriginalDeviceIdentifier, req.NewDeviceIdentifier)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Merchant device swapped", map[string]interface{}{
		"merchant_id": req.MerchantID,
		"original":    req.OriginalDeviceIdentifier,
		"replacement": req.NewDeviceIdentifier,
	})
	return resp, nil
}

// AddContractToMerchant copies the contract's products onto the merchant.
func (s *Service) AddContractToMerchant(ctx context.Context, req *AddContractRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, "AddContractToMerchant", req.MerchantID, func(ctx context.Context, m *Aggregate) error {
		c, err := s.contracts.GetLatest(ctx, req.ContractID)
		if err != nil {
			return err
		}
		if c.EstateID() != m.EstateID() {
			return pkgerrors.Invalid("contract %s does not belong to estate %s", req.ContractID, m.EstateID())
		}
		var productIDs []uuid.UUID
		for _, p := range c.Products() {
			productIDs = append(productIDs, p.ProductID)
		}
		return m.AddContract(req.ContractID, productIDs)
	})
}

func (s *Service) RemoveContractFromMerchant(ctx context.Context, merchantID, contractID uuid.UUID) (*MerchantResponse, error) {
	return s.execute(ctx, "RemoveContractFromMerchant", merchantID, func(_ context.Context, m *Aggregate) error {
		return m.RemoveContract(contractID)
	})
}

func (s *Service) SetSettlementSchedule(ctx context.Context, req *SetSettlementScheduleRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, "SetSettlementSchedule", req.MerchantID, func(_ context.Context, m *Aggregate) error {
		return m.SetSettlementSchedule(req.Schedule, s.now().UTC())
	})
}

func (s *Service) CreateMerchantUser(ctx context.Context, req *CreateMerchantUserRequest) (*MerchantResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	m, err := Require(ctx, s.merchants, req.MerchantID)
	if err != nil {
		return nil, err
	}

	userID, err := s.users.CreateUser(ctx, security.CreateUserRequest{
		EmailAddress: req.EmailAddress,
		Password:     req.Password,
		GivenName:    req.GivenName,
		MiddleName:   req.MiddleName,
		FamilyName:   req.FamilyName,
		Roles:        []string{"Merchant"},
		Claims: map[string]string{
			"estateId":   m.EstateID().String(),
			"merchantId": req.MerchantID.String(),
		},
	})
	if err != nil {
		s.logger.Error("Failed to create merchant user", map[string]interface{}{
			"merchant_id": req.MerchantID,
			"error":       err.Error(),
		})
		return nil, err
	}

	return s.execute(ctx, "CreateMerchantUser", req.MerchantID, func(_ context.Context, m *Aggregate) error {
		return m.AddSecurityUser(userID, req.EmailAddress)
	})
}

// MakeMerchantDeposit records the deposit on the deposit list, then on the
// balance. Both steps are idempotent so a failed call can be re-driven.
func (s *Service) MakeMerchantDeposit(ctx context.Context, req *MakeDepositRequest) (*DepositResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var depositID uuid.UUID
	err := s.retrier.Do(ctx, "MakeMerchantDeposit", func(ctx context.Context) error {
		list, err := s.loadDepositList(ctx, req.MerchantID)
		if err != nil {
			return err
		}
		depositID, err = list.MakeDeposit(req.Source, req.Reference, req.DepositDateTime, req.Amount)
		if err != nil {
			return err
		}
		return s.depositLists.Save(ctx, list)
	})
	if err != nil {
		return nil, err
	}

	if err := s.balances.RecordMerchantDeposit(ctx, req.MerchantID, depositID, req.Amount, req.DepositDateTime); err != nil {
		s.logger.Error("Failed to record deposit on balance", map[string]interface{}{
			"merchant_id": req.MerchantID,
			"deposit_id":  depositID,
			"error":       err.Error(),
		})
		return nil, err
	}

	s.logger.Info("Merchant deposit made", map[string]interface{}{
		"merchant_id": req.MerchantID,
		"deposit_id":  depositID,
		"amount":      req.Amount.String(),
		"source":      req.Source,
	})
	return &DepositResponse{MerchantID: req.MerchantID, DepositID: depositID, Amount: req.Amount}, nil
}

// MakeMerchantWithdrawal is rejected with ErrInsufficientBalance when the balance
// cannot cover it. A withdrawal already on the list skips the balance check and
// only re-drives the balance step.
func (s *Service) MakeMerchantWithdrawal(ctx context.Context, req *MakeWithdrawalRequest) (*WithdrawalResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	withdrawalID := identity.Withdrawal(req.WithdrawalDateTime, req.Amount)
	err := s.retrier.Do(ctx, "MakeMerchantWithdrawal", func(ctx context.Context) error {
		list, err := s.loadDepositList(ctx, req.MerchantID)
		if err != nil {
			return err
		}
		if list.HasWithdrawal(withdrawalID) {
			return nil
		}

		available, err := s.balances.AvailableBalance(ctx, req.MerchantID)
		if err != nil {
			return err
		}
		if available.LessThan(req.Amount) {
			return pkgerrors.Newf(pkgerrors.ErrInsufficientBalance, "merchant %s has insufficient balance (%s) to withdraw %s",
				req.MerchantID, available.StringFixed(2), req.Amount.StringFixed(2))
		}

		if _, err := list.MakeWithdrawal(req.WithdrawalDateTime, req.Amount); err != nil {
			return err
		}
		return s.depositLists.Save(ctx, list)
	})
	if err != nil {
		return nil, err
	}

	if err := s.balances.RecordMerchantWithdrawal(ctx, req.MerchantID, withdrawalID, req.Amount, req.WithdrawalDateTime); err != nil {
		s.logger.Error("Failed to record withdrawal on balance", map[string]interface{}{
			"merchant_id":   req.MerchantID,
			"withdrawal_id": withdrawalID,
			"error":         err.Error(),
		})
		return nil, err
	}

	s.logger.Info("Merchant withdrawal made", map[string]interface{}{
		"merchant_id":   req.MerchantID,
		"withdrawal_id": withdrawalID,
		"amount":        req.Amount.String(),
	})
	return &WithdrawalResponse{MerchantID: req.MerchantID, WithdrawalID: withdrawalID, Amount: req.Amount}, nil
}

// loadDepositList returns the merchant's list, creating it on first use.
func (s *Service) loadDepositList(ctx context.Context, merchantID uuid.UUID) (*DepositListAggregate, error) {
	m, err := Require(ctx, s.merchants, merchantID)
	if err != nil {
		return nil, err
	}
	list, err := s.depositLists.GetLatestOrNew(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if err := list.Create(m, s.now().UTC()); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Service) GetMerchant(ctx context.Context, merchantID uuid.UUID) (*MerchantResponse, error) {
	m, err := Require(ctx, s.merchants, merchantID)
	if err != nil {
		return nil, err
	}
	return toResponse(m), nil
}

// BalanceRecorder is the merchant balance ledger.
type BalanceRecorder interface {
	RecordMerchantDeposit(ctx context.Context, merchantID, depositID uuid.UUID, amount decimal.Decimal, depositDateTime time.Time) error
	RecordMerchantWithdrawal(ctx context.Context, merchantID, withdrawalID uuid.UUID, amount decimal.Decimal, withdrawalDateTime time.Time) error
	AvailableBalance(ctx context.Context, merchantID uuid.UUID) (decimal.Decimal, error)
}

// UserCreator provisions users in the security service.
type UserCreator interface {
	CreateUser(ctx context.Context, req security.CreateUserRequest) (uuid.UUID, error)
}
