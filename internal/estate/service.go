package estate

import (
	"context"
	"time"

	"txprocessor/internal/clients/security"
	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
)

type Service struct {
	estates   eventsourcing.Store[*Aggregate]
	operators OperatorLookup
	users     UserCreator
	retrier   *eventsourcing.Retrier
	validator *validator.Validator
	logger    logger.Logger
	now       func() time.Time
}

func NewService(
	estates eventsourcing.Store[*Aggregate],
	operators OperatorLookup,
	users UserCreator,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		estates:   estates,
		operators: operators,
		users:     users,
		retrier:   retrier,
		validator: validator.New(),
		logger:    log,
		now:       time.Now,
	}
}

// Require loads an estate and reports a missing one as Forbidden, which is how
// every dependent command treats it.
func Require(ctx context.Context, estates eventsourcing.Store[*Aggregate], estateID uuid.UUID) (*Aggregate, error) {
	e, err := estates.GetLatest(ctx, estateID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.Forbidden("estate %s has not been created", estateID)
		}
		return nil, err
	}
	if !e.IsCreated() {
		return nil, pkgerrors.Forbidden("estate %s has not been created", estateID)
	}
	return e, nil
}

type CreateEstateRequest struct {
	EstateID uuid.UUID `validate:"required"`
	Name     string    `validate:"required"`
}

type EstateOperatorRequest struct {
	EstateID   uuid.UUID `validate:"required"`
	OperatorID uuid.UUID `validate:"required"`
}

type CreateEstateUserRequest struct {
	EstateID     uuid.UUID `validate:"required"`
	EmailAddress string    `validate:"required,email"`
	Password     string    `validate:"required"`
	GivenName    string    `validate:"required"`
	MiddleName   string
	FamilyName   string `validate:"required"`
}

type EstateResponse struct {
	EstateID      uuid.UUID      `json:"estate_id"`
	Name          string         `json:"name"`
	Reference     string         `json:"reference"`
	Operators     []uuid.UUID    `json:"operators"`
	SecurityUsers []SecurityUser `json:"security_users"`
}

func toResponse(a *Aggregate) *EstateResponse {
	return &EstateResponse{
		EstateID:      a.ID(),
		Name:          a.Name(),
		Reference:     a.Reference(),
		Operators:     a.ActiveOperators(),
		SecurityUsers: a.SecurityUsers(),
	}
}

// execute runs one read-mutate-write cycle on an estate under the retry policy.
func (s *Service) execute(ctx context.Context, operation string, estateID uuid.UUID, mutate func(ctx context.Context, e *Aggregate) error) (*EstateResponse, error) {
	var resp *EstateResponse
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		e, err := s.estates.GetLatest(ctx, estateID)
		if err != nil {
			return err
		}
		if err := mutate(ctx, e); err != nil {
			return err
		}
		if err := s.estates.Save(ctx, e); err != nil {
			return err
		}
		resp = toResponse(e)
		return nil
	})
	return resp, err
}

func (s *Service) CreateEstate(ctx context.Context, req *CreateEstateRequest) (*EstateResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *EstateResponse
	err := s.retrier.Do(ctx, "CreateEstate", func(ctx context.Context) error {
		e, err := s.estates.GetLatestOrNew(ctx, req.EstateID)
		if err != nil {
			return err
		}
		if err := e.Create(req.Name, s.now().UTC()); err != nil {
			return err
		}
		if err := e.GenerateReference(); err != nil {
			return err
		}
		if err := s.estates.Save(ctx, e); err != nil {
			return err
		}
		resp = toResponse(e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Estate created", map[string]interface{}{
		"estate_id": req.EstateID,
		"name":      req.Name,
	})
	return resp, nil
}

// AddOperatorToEstate requires the operator to have been created.
func (s *Service) AddOperatorToEstate(ctx context.Context, req *EstateOperatorRequest) (*EstateResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	exists, err := s.operators.OperatorExists(ctx, req.OperatorID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, pkgerrors.NotFound("operator %s has not been created", req.OperatorID)
	}

	return s.execute(ctx, "AddOperatorToEstate", req.EstateID, func(_ context.Context, e *Aggregate) error {
		return e.AddOperator(req.OperatorID)
	})
}

func (s *Service) RemoveOperatorFromEstate(ctx context.Context, req *EstateOperatorRequest) (*EstateResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, "RemoveOperatorFromEstate", req.EstateID, func(_ context.Context, e *Aggregate) error {
		return e.RemoveOperator(req.OperatorID)
	})
}

// CreateEstateUser provisions the user with the security service first; the
// estate only records users that exist there.
func (s *Service) CreateEstateUser(ctx context.Context, req *CreateEstateUserRequest) (*EstateResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if _, err := Require(ctx, s.estates, req.EstateID); err != nil {
		return nil, err
	}

	userID, err := s.users.CreateUser(ctx, security.CreateUserRequest{
		EmailAddress: req.EmailAddress,
		Password:     req.Password,
		GivenName:    req.GivenName,
		MiddleName:   req.MiddleName,
		FamilyName:   req.FamilyName,
		Roles:        []string{"Estate"},
		Claims:       map[string]string{"estateId": req.EstateID.String()},
	})
	if err != nil {
		s.logger.Error("Failed to create estate user", map[string]interface{}{
			"estate_id": req.EstateID,
			"error":     err.Error(),
		})
		return nil, err
	}

	return s.execute(ctx, "CreateEstateUser", req.EstateID, func(_ context.Context, e *Aggregate) error {
		return e.AddSecurityUser(userID, req.EmailAddress)
	})
}

func (s *Service) GetEstate(ctx context.Context, estateID uuid.UUID) (*EstateResponse, error) {
	e, err := s.estates.GetLatest(ctx, estateID)
	if err != nil {
		return nil, err
	}
	return toResponse(e), nil
}

// OperatorLookup answers whether an operator aggregate exists.
type OperatorLookup interface {
	OperatorExists(ctx context.Context, operatorID uuid.UUID) (bool, error)
}

// UserCreator provisions users in the security service.
type UserCreator interface {
	CreateUser(ctx context.Context, req security.CreateUserRequest) (uuid.UUID, error)
}
