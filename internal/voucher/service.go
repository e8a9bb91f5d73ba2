package voucher

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/projection"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	vouchers  eventsourcing.Store[*Aggregate]
	estates   eventsourcing.Store[*estate.Aggregate]
	events    eventsourcing.EventStore
	projector Projector
	random    RandomSource
	retrier   *eventsourcing.Retrier
	validator *validator.Validator
	logger    logger.Logger
	now       func() time.Time
}

func NewService(
	vouchers eventsourcing.Store[*Aggregate],
	estates eventsourcing.Store[*estate.Aggregate],
	events eventsourcing.EventStore,
	projector Projector,
	random RandomSource,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		vouchers:  vouchers,
		estates:   estates,
		events:    events,
		projector: projector,
		random:    random,
		retrier:   retrier,
		validator: validator.New(),
		logger:    log,
		now:       time.Now,
	}
}

// lockedSource makes a *rand.Rand safe for concurrent commands.
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Intn(n)
}

// NewRandomSource seeds a concurrency-safe source for voucher codes.
func NewRandomSource(seed int64) RandomSource {
	return &lockedSource{r: rand.New(rand.NewSource(seed))}
}

type IssueVoucherRequest struct {
	VoucherID       uuid.UUID       `validate:"required"`
	OperatorID      uuid.UUID       `validate:"required"`
	EstateID        uuid.UUID       `validate:"required"`
	TransactionID   uuid.UUID       `validate:"required"`
	Value           decimal.Decimal `validate:"gt=0"`
	RecipientEmail  string          `validate:"omitempty,email"`
	RecipientMobile string
	IssuedDateTime  time.Time `validate:"required"`
}

type RedeemVoucherRequest struct {
	EstateID         uuid.UUID `validate:"required"`
	VoucherCode      string    `validate:"required,numeric"`
	RedeemedDateTime time.Time `validate:"required"`
}

type VoucherResponse struct {
	VoucherID     uuid.UUID       `json:"voucher_id"`
	EstateID      uuid.UUID       `json:"estate_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	VoucherCode   string          `json:"voucher_code"`
	Message       string          `json:"message"`
	Value         decimal.Decimal `json:"value"`
	Balance       decimal.Decimal `json:"balance"`
	ExpiryDate    time.Time       `json:"expiry_date"`
	IsIssued      bool            `json:"is_issued"`
	IsRedeemed    bool            `json:"is_redeemed"`
}

func toResponse(a *Aggregate) *VoucherResponse {
	return &VoucherResponse{
		VoucherID:     a.ID(),
		EstateID:      a.EstateID(),
		TransactionID: a.TransactionID(),
		VoucherCode:   a.VoucherCode(),
		Message:       a.Message(),
		Value:         a.Value(),
		Balance:       a.Balance(),
		ExpiryDate:    a.ExpiryDate(),
		IsIssued:      a.IsIssued(),
		IsRedeemed:    a.IsRedeemed(),
	}
}

func (s *Service) project(ctx context.Context, view *VoucherResponse) {
	if err := s.projector.Project(ctx, projection.KindVoucher, view.VoucherID, view); err != nil {
		s.logger.Warn("Voucher projection failed", map[string]interface{}{
			"voucher_id": view.VoucherID,
			"error":      err.Error(),
		})
	}
}

// IssueVoucher generates and issues the voucher in one command.
func (s *Service) IssueVoucher(ctx context.Context, req *IssueVoucherRequest) (*VoucherResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var resp *VoucherResponse
	err := s.retrier.Do(ctx, "IssueVoucher", func(ctx context.Context) error {
		if _, err := estate.Require(ctx, s.estates, req.EstateID); err != nil {
			return err
		}
		v, err := s.vouchers.GetLatestOrNew(ctx, req.VoucherID)
		if err != nil {
			return err
		}
		if err := v.Generate(req.OperatorID, req.EstateID, req.TransactionID, req.Value, req.IssuedDateTime, s.random); err != nil {
			return err
		}
		if err := v.Issue(req.RecipientEmail, req.RecipientMobile, req.IssuedDateTime); err != nil {
			return err
		}
		if err := s.vouchers.Save(ctx, v); err != nil {
			return err
		}
		resp = toResponse(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.project(ctx, resp)
	s.logger.Info("Voucher issued", map[string]interface{}{
		"voucher_id":     req.VoucherID,
		"transaction_id": req.TransactionID,
		"value":          req.Value.String(),
	})
	return resp, nil
}

func (s *Service) RedeemVoucher(ctx context.Context, req *RedeemVoucherRequest) (*VoucherResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if _, err := estate.Require(ctx, s.estates, req.EstateID); err != nil {
		return nil, err
	}
	voucherID, err := s.findByCode(ctx, req.EstateID, req.VoucherCode)
	if err != nil {
		return nil, err
	}

	var resp *VoucherResponse
	err = s.retrier.Do(ctx, "RedeemVoucher", func(ctx context.Context) error {
		v, err := s.vouchers.GetLatest(ctx, voucherID)
		if err != nil {
			return err
		}
		if err := v.Redeem(req.RedeemedDateTime); err != nil {
			return err
		}
		if err := s.vouchers.Save(ctx, v); err != nil {
			return err
		}
		resp = toResponse(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.project(ctx, resp)
	s.logger.Info("Voucher redeemed", map[string]interface{}{
		"voucher_id": voucherID,
		"estate_id":  req.EstateID,
	})
	return resp, nil
}

func (s *Service) GetVoucherByCode(ctx context.Context, estateID uuid.UUID, voucherCode string) (*VoucherResponse, error) {
	voucherID, err := s.findByCode(ctx, estateID, voucherCode)
	if err != nil {
		return nil, err
	}
	v, err := s.vouchers.GetLatest(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	return toResponse(v), nil
}

func (s *Service) findByCode(ctx context.Context, estateID uuid.UUID, voucherCode string) (uuid.UUID, error) {
	q := &codeQuery{estateID: estateID, code: voucherCode}
	if err := s.events.RunTransientQuery(ctx, q); err != nil {
		return uuid.Nil, err
	}
	if q.voucherID == uuid.Nil {
		return uuid.Nil, pkgerrors.NotFound("voucher with code %s not found", voucherCode)
	}
	return q.voucherID, nil
}

// codeQuery finds the voucher generated with a given code for an estate.
type codeQuery struct {
	estateID  uuid.UUID
	code      string
	voucherID uuid.UUID
}

func (q *codeQuery) Category() string { return AggregateType }

func (q *codeQuery) When(event eventsourcing.RecordedEvent) error {
	if q.voucherID != uuid.Nil || event.Type != (&Generated{}).EventType() {
		return nil
	}
	var generated Generated
	if err := json.Unmarshal(event.Data, &generated); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrSerialization, err.Error())
	}
	if generated.EstateID != q.estateID || generated.VoucherCode != q.code {
		return nil
	}
	id, err := eventsourcing.StreamAggregateID(event.StreamID)
	if err != nil {
		return err
	}
	q.voucherID = id
	return nil
}

// Projector writes query-side views.
type Projector interface {
	Project(ctx context.Context, kind string, id uuid.UUID, view interface{}) error
}
