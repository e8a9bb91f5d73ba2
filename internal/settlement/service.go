// ==============================================================================
// SETTLEMENT SERVICE - internal/settlement/service.go
// ==============================================================================
package settlement

import (
	"context"
	"sort"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/fees"
	"txprocessor/internal/identity"
	"txprocessor/internal/projection"
	"txprocessor/internal/statement"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	settlements  eventsourcing.Store[*Aggregate]
	events       eventsourcing.EventStore
	transactions TransactionFeeSettler
	balances     BalanceFeeRecorder
	statements   StatementFeeRecorder
	projector    Projector
	retrier      *eventsourcing.Retrier
	validator    *validator.Validator
	logger       logger.Logger
	now          func() time.Time
}

func NewService(
	settlements eventsourcing.Store[*Aggregate],
	events eventsourcing.EventStore,
	transactions TransactionFeeSettler,
	balances BalanceFeeRecorder,
	statements StatementFeeRecorder,
	projector Projector,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		settlements:  settlements,
		events:       events,
		transactions: transactions,
		balances:     balances,
		statements:   statements,
		projector:    projector,
		retrier:      retrier,
		validator:    validator.New(),
		logger:       log,
		now:          time.Now,
	}
}

type AddFeeRequest struct {
	EstateID       uuid.UUID          `validate:"required"`
	MerchantID     uuid.UUID          `validate:"required"`
	TransactionID  uuid.UUID          `validate:"required"`
	SettlementDate time.Time          `validate:"required"`
	Fee            fees.CalculatedFee `validate:"-"`
}

type ProcessSettlementRequest struct {
	EstateID       uuid.UUID `validate:"required"`
	MerchantID     uuid.UUID `validate:"required"`
	SettlementDate time.Time `validate:"required"`
}

type SettlementResponse struct {
	SettlementID        uuid.UUID       `json:"settlement_id"`
	EstateID            uuid.UUID       `json:"estate_id"`
	MerchantID          uuid.UUID       `json:"merchant_id"`
	SettlementDate      time.Time       `json:"settlement_date"`
	IsProcessingStarted bool            `json:"is_processing_started"`
	IsCompleted         bool            `json:"is_completed"`
	PendingFeeCount     int             `json:"pending_fee_count"`
	PendingFeeValue     decimal.Decimal `json:"pending_fee_value"`
	SettledFeeCount     int             `json:"settled_fee_count"`
	SettledFeeValue     decimal.Decimal `json:"settled_fee_value"`
}

// ProcessSettlementResponse reports a settlement run. Fees pushed to the
// transaction or balance that failed are counted, not rolled back; running the
// settlement again re-applies every settled fee.
type ProcessSettlementResponse struct {
	Settlement  *SettlementResponse `json:"settlement"`
	FeesSettled int                 `json:"fees_settled"`
	FeesApplied int                 `json:"fees_applied"`
	Failures    int                 `json:"failures"`
}

// PendingRunSummary totals one ProcessPendingSettlements pass.
type PendingRunSummary struct {
	Discovered int
	Processed  int
	Failed     int
}

func toResponse(a *Aggregate) *SettlementResponse {
	return &SettlementResponse{
		SettlementID:        a.ID(),
		EstateID:            a.EstateID(),
		MerchantID:          a.MerchantID(),
		SettlementDate:      a.SettlementDate(),
		IsProcessingStarted: a.IsProcessingStarted(),
		IsCompleted:         a.IsCompleted(),
		PendingFeeCount:     len(a.PendingFees()),
		PendingFeeValue:     a.PendingValue(),
		SettledFeeCount:     len(a.SettledFees()),
		SettledFeeValue:     a.SettledValue(),
	}
}

func (s *Service) project(ctx context.Context, view *SettlementResponse) {
	if err := s.projector.Project(ctx, projection.KindSettlement, view.SettlementID, view); err != nil {
		s.logger.Warn("Settlement projection failed", map[string]interface{}{
			"settlement_id": view.SettlementID,
			"error":         err.Error(),
		})
	}
}

func (s *Service) execute(ctx context.Context, operation string, settlementID uuid.UUID, create bool, mutate func(st *Aggregate) error) (*Aggregate, error) {
	var saved *Aggregate
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		var (
			st  *Aggregate
			err error
		)
		if create {
			st, err = s.settlements.GetLatestOrNew(ctx, settlementID)
		} else {
			st, err = s.settlements.GetLatest(ctx, settlementID)
		}
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		if err := s.settlements.Save(ctx, st); err != nil {
			return err
		}
		saved = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.project(ctx, toResponse(saved))
	return saved, nil
}

func (s *Service) validateFee(req *AddFeeRequest) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}
	if req.Fee.FeeID == uuid.Nil {
		return pkgerrors.Invalid("fee id must be set")
	}
	if !req.Fee.CalculatedValue.IsPositive() {
		return pkgerrors.Invalid("fee %s has no value to settle", req.Fee.FeeID)
	}
	return nil
}

// AddMerchantFeePendingSettlement queues the fee on the merchant's settlement
// for the date, creating that settlement when it does not exist yet.
func (s *Service) AddMerchantFeePendingSettlement(ctx context.Context, req *AddFeeRequest) (*SettlementResponse, error) {
	if err := s.validateFee(req); err != nil {
		return nil, err
	}
	settlementID := identity.Settlement(req.EstateID, req.MerchantID, SettlementDay(req.SettlementDate))
	st, err := s.execute(ctx, "AddMerchantFeePendingSettlement", settlementID, true, func(st *Aggregate) error {
		if err := st.Create(req.EstateID, req.MerchantID, req.SettlementDate); err != nil {
			return err
		}
		return st.AddFee(req.TransactionID, req.MerchantID, req.Fee)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Merchant fee pending settlement", map[string]interface{}{
		"settlement_id":  settlementID,
		"transaction_id": req.TransactionID,
		"fee_id":         req.Fee.FeeID,
		"amount":         req.Fee.CalculatedValue.String(),
	})
	return toResponse(st), nil
}

// AddSettledFeeToSettlement records a fee for a merchant on the immediate
// schedule and applies it straight away.
func (s *Service) AddSettledFeeToSettlement(ctx context.Context, req *AddFeeRequest) (*SettlementResponse, error) {
	if err := s.validateFee(req); err != nil {
		return nil, err
	}
	settledAt := s.now().UTC()
	settlementID := identity.Settlement(req.EstateID, req.MerchantID, SettlementDay(req.SettlementDate))
	st, err := s.execute(ctx, "AddSettledFeeToSettlement", settlementID, true, func(st *Aggregate) error {
		if err := st.Create(req.EstateID, req.MerchantID, req.SettlementDate); err != nil {
			return err
		}
		return st.AddSettledFee(req.TransactionID, req.MerchantID, req.Fee, settledAt)
	})
	if err != nil {
		return nil, err
	}

	for _, fee := range st.SettledFees() {
		if fee.TransactionID == req.TransactionID && fee.Fee.FeeID == req.Fee.FeeID {
			if err := s.apply(ctx, st, fee); err != nil {
				return nil, err
			}
		}
	}
	return toResponse(st), nil
}

// ProcessSettlement settles every pending fee and then pushes each settled fee
// onto its transaction, the merchant balance and the merchant statement.
func (s *Service) ProcessSettlement(ctx context.Context, req *ProcessSettlementRequest) (*ProcessSettlementResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	settlementID := identity.Settlement(req.EstateID, req.MerchantID, SettlementDay(req.SettlementDate))
	settledAt := s.now().UTC()

	var newlySettled int
	st, err := s.execute(ctx, "ProcessSettlement", settlementID, false, func(st *Aggregate) error {
		newlySettled = 0
		if err := st.StartProcessing(settledAt); err != nil {
			return err
		}
		for _, fee := range st.PendingFees() {
			staged := len(st.Uncommitted())
			if err := st.MarkFeeAsSettled(fee.MerchantID, fee.TransactionID, fee.Fee.FeeID, settledAt); err != nil {
				return err
			}
			if len(st.Uncommitted()) > staged {
				newlySettled++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &ProcessSettlementResponse{Settlement: toResponse(st), FeesSettled: newlySettled}
	for _, fee := range st.SettledFees() {
		if err := s.apply(ctx, st, fee); err != nil {
			resp.Failures++
			continue
		}
		resp.FeesApplied++
	}

	fields := map[string]interface{}{
		"settlement_id": settlementID,
		"merchant_id":   req.MerchantID,
		"fees_settled":  resp.FeesSettled,
		"fees_applied":  resp.FeesApplied,
		"failures":      resp.Failures,
	}
	if resp.Failures > 0 {
		s.logger.Warn("Settlement processed with failures", fields)
	} else {
		s.logger.Info("Settlement processed", fields)
	}
	return resp, nil
}

// apply pushes one settled fee to every downstream aggregate. Each push is
// idempotent so a settlement can be re-driven after a partial failure.
func (s *Service) apply(ctx context.Context, st *Aggregate, fee Fee) error {
	settled := fees.SettledFee{
		EstateID:      st.EstateID(),
		MerchantID:    fee.MerchantID,
		TransactionID: fee.TransactionID,
		SettlementID:  st.ID(),
		Fee:           fee.Fee,
		SettledAt:     fee.SettledAt,
	}
	fields := map[string]interface{}{
		"settlement_id":  st.ID(),
		"transaction_id": fee.TransactionID,
		"fee_id":         fee.Fee.FeeID,
	}

	if err := s.transactions.AddSettledFeeToTransaction(ctx, settled); err != nil {
		fields["error"] = err.Error()
		s.logger.Error("Failed to settle fee on transaction", fields)
		return err
	}
	if err := s.balances.RecordSettledFee(ctx, fee.MerchantID, fee.TransactionID, fee.Fee.FeeID, fee.Fee.CalculatedValue, fee.SettledAt); err != nil {
		fields["error"] = err.Error()
		s.logger.Error("Failed to record settled fee on merchant balance", fields)
		return err
	}
	if _, err := s.statements.AddSettledFeeToStatement(ctx, &statement.AddSettledFeeRequest{
		EstateID:        st.EstateID(),
		MerchantID:      fee.MerchantID,
		TransactionID:   fee.TransactionID,
		FeeID:           fee.Fee.FeeID,
		SettledDateTime: fee.SettledAt,
		Amount:          fee.Fee.CalculatedValue,
	}); err != nil {
		fields["error"] = err.Error()
		s.logger.Error("Failed to add settled fee to statement", fields)
		return err
	}
	return nil
}

// ProcessPendingSettlements runs every incomplete settlement with pending fees
// that is due on or before asOf.
func (s *Service) ProcessPendingSettlements(ctx context.Context, asOf time.Time) (*PendingRunSummary, error) {
	q := newPendingQuery()
	if err := s.events.RunTransientQuery(ctx, q); err != nil {
		return nil, err
	}
	due := q.due(SettlementDay(asOf))
	summary := &PendingRunSummary{Discovered: len(due)}

	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		resp, err := s.ProcessSettlement(ctx, &ProcessSettlementRequest{
			EstateID:       p.estateID,
			MerchantID:     p.merchantID,
			SettlementDate: p.settlementDate,
		})
		if err != nil || resp.Failures > 0 {
			summary.Failed++
			if err != nil {
				s.logger.Error("Pending settlement failed", map[string]interface{}{
					"merchant_id":     p.merchantID,
					"settlement_date": p.settlementDate.Format("2006-01-02"),
					"error":           err.Error(),
				})
			}
			continue
		}
		summary.Processed++
	}
	return summary, nil
}

func (s *Service) ManuallyCompleteSettlement(ctx context.Context, settlementID uuid.UUID) (*SettlementResponse, error) {
	st, err := s.execute(ctx, "ManuallyCompleteSettlement", settlementID, false, func(st *Aggregate) error {
		return st.ManuallyComplete(s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Settlement manually completed", map[string]interface{}{
		"settlement_id": settlementID,
		"pending_fees":  len(st.PendingFees()),
	})
	return toResponse(st), nil
}

func (s *Service) GetSettlement(ctx context.Context, settlementID uuid.UUID) (*SettlementResponse, error) {
	st, err := s.settlements.GetLatest(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	return toResponse(st), nil
}

type pendingSettlement struct {
	estateID       uuid.UUID
	merchantID     uuid.UUID
	settlementDate time.Time
	pending        int
	completed      bool
}

// pendingQuery folds settlement streams into open settlements and their
// pending fee counts.
type pendingQuery struct {
	streams map[string]*pendingSettlement
}

func newPendingQuery() *pendingQuery {
	return &pendingQuery{streams: make(map[string]*pendingSettlement)}
}

func (q *pendingQuery) Category() string { return AggregateType }

func (q *pendingQuery) When(recorded eventsourcing.RecordedEvent) error {
	event, err := codec.Decode(recorded)
	if err != nil {
		return err
	}
	p, ok := q.streams[recorded.StreamID]
	if !ok {
		p = &pendingSettlement{}
		q.streams[recorded.StreamID] = p
	}
	switch e := event.(type) {
	case *Created:
		p.estateID = e.EstateID
		p.merchantID = e.MerchantID
		p.settlementDate = e.SettlementDate
	case *FeeAddedPendingSettlement:
		p.pending++
	case *FeeSettled:
		p.pending--
	case *Completed:
		p.completed = true
	}
	return nil
}

func (q *pendingQuery) due(asOf time.Time) []*pendingSettlement {
	var out []*pendingSettlement
	for _, p := range q.streams {
		if p.completed || p.pending <= 0 || p.settlementDate.After(asOf) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].settlementDate.Equal(out[j].settlementDate) {
			return out[i].settlementDate.Before(out[j].settlementDate)
		}
		return out[i].merchantID.String() < out[j].merchantID.String()
	})
	return out
}

// Interfaces

// TransactionFeeSettler marks a fee settled on its transaction.
type TransactionFeeSettler interface {
	AddSettledFeeToTransaction(ctx context.Context, fee fees.SettledFee) error
}

type BalanceFeeRecorder interface {
	RecordSettledFee(ctx context.Context, merchantID, transactionID, feeID uuid.UUID, amount decimal.Decimal, settledAt time.Time) error
}

type StatementFeeRecorder interface {
	AddSettledFeeToStatement(ctx context.Context, req *statement.AddSettledFeeRequest) (*statement.StatementResponse, error)
}

type Projector interface {
	Project(ctx context.Context, kind string, id uuid.UUID, view interface{}) error
}
