package statement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"txprocessor/internal/clients/messaging"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/merchant"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	statements eventsourcing.Store[*Aggregate]
	merchants  eventsourcing.Store[*merchant.Aggregate]
	sender     EmailSender
	retrier    *eventsourcing.Retrier
	validator  *validator.Validator
	logger     logger.Logger
	now        func() time.Time
}

func NewService(
	statements eventsourcing.Store[*Aggregate],
	merchants eventsourcing.Store[*merchant.Aggregate],
	sender EmailSender,
	retrier *eventsourcing.Retrier,
	log logger.Logger,
) *Service {
	return &Service{
		statements: statements,
		merchants:  merchants,
		sender:     sender,
		retrier:    retrier,
		validator:  validator.New(),
		logger:     log,
		now:        time.Now,
	}
}

type AddTransactionRequest struct {
	EstateID            uuid.UUID       `validate:"required"`
	MerchantID          uuid.UUID       `validate:"required"`
	TransactionID       uuid.UUID       `validate:"required"`
	TransactionDateTime time.Time       `validate:"required"`
	Amount              decimal.Decimal `validate:"gt=0"`
}

type AddSettledFeeRequest struct {
	EstateID        uuid.UUID       `validate:"required"`
	MerchantID      uuid.UUID       `validate:"required"`
	TransactionID   uuid.UUID       `validate:"required"`
	FeeID           uuid.UUID       `validate:"required"`
	SettledDateTime time.Time       `validate:"required"`
	Amount          decimal.Decimal `validate:"gt=0"`
}

type EmailStatementRequest struct {
	StatementID    uuid.UUID `validate:"required"`
	EmailAddresses []string  `validate:"omitempty,dive,email"`
}

type StatementResponse struct {
	StatementID      uuid.UUID       `json:"statement_id"`
	EstateID         uuid.UUID       `json:"estate_id"`
	MerchantID       uuid.UUID       `json:"merchant_id"`
	StatementDate    time.Time       `json:"statement_date"`
	IsGenerated      bool            `json:"is_generated"`
	TransactionCount int             `json:"transaction_count"`
	TransactionValue decimal.Decimal `json:"transaction_value"`
	FeeCount         int             `json:"fee_count"`
	FeeValue         decimal.Decimal `json:"fee_value"`
	EmailsSent       int             `json:"emails_sent"`
}

func toResponse(a *Aggregate) *StatementResponse {
	return &StatementResponse{
		StatementID:      a.ID(),
		EstateID:         a.EstateID(),
		MerchantID:       a.MerchantID(),
		StatementDate:    a.StatementDate(),
		IsGenerated:      a.IsGenerated(),
		TransactionCount: a.TransactionCount(),
		TransactionValue: a.TransactionValue(),
		FeeCount:         a.FeeCount(),
		FeeValue:         a.FeeValue(),
		EmailsSent:       a.EmailsSent(),
	}
}

func (s *Service) execute(ctx context.Context, operation string, statementID uuid.UUID, mutate func(st *Aggregate) error) (*StatementResponse, error) {
	var resp *StatementResponse
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		st, err := s.statements.GetLatestOrNew(ctx, statementID)
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		if err := s.statements.Save(ctx, st); err != nil {
			return err
		}
		resp = toResponse(st)
		return nil
	})
	return resp, err
}

func (s *Service) AddTransactionToStatement(ctx context.Context, req *AddTransactionRequest) (*StatementResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if _, err := merchant.Require(ctx, s.merchants, req.MerchantID); err != nil {
		return nil, err
	}
	return s.execute(ctx, "AddTransactionToStatement", ID(req.MerchantID, req.TransactionDateTime), func(st *Aggregate) error {
		return st.AddTransaction(req.EstateID, req.MerchantID, req.TransactionID, req.TransactionDateTime, req.Amount)
	})
}

func (s *Service) AddSettledFeeToStatement(ctx context.Context, req *AddSettledFeeRequest) (*StatementResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if _, err := merchant.Require(ctx, s.merchants, req.MerchantID); err != nil {
		return nil, err
	}
	return s.execute(ctx, "AddSettledFeeToStatement", ID(req.MerchantID, req.SettledDateTime), func(st *Aggregate) error {
		return st.AddSettledFee(req.EstateID, req.MerchantID, req.TransactionID, req.FeeID, req.SettledDateTime, req.Amount)
	})
}

func (s *Service) GenerateStatement(ctx context.Context, statementID uuid.UUID) (*StatementResponse, error) {
	resp, err := s.execute(ctx, "GenerateStatement", statementID, func(st *Aggregate) error {
		return st.Generate(s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Statement generated", map[string]interface{}{
		"statement_id": statementID,
		"merchant_id":  resp.MerchantID,
		"lines":        resp.TransactionCount + resp.FeeCount,
	})
	return resp, nil
}

// EmailStatement sends the plain-text summary of a generated statement. With
// no explicit addresses it goes to the merchant's security users.
func (s *Service) EmailStatement(ctx context.Context, req *EmailStatementRequest) (*StatementResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	st, err := s.statements.GetLatest(ctx, req.StatementID)
	if err != nil {
		return nil, err
	}
	if !st.IsGenerated() {
		return nil, pkgerrors.Invalid("statement %s has not been generated", req.StatementID)
	}
	m, err := merchant.Require(ctx, s.merchants, st.MerchantID())
	if err != nil {
		return nil, err
	}

	recipients := req.EmailAddresses
	if len(recipients) == 0 {
		for _, u := range m.SecurityUsers() {
			recipients = append(recipients, u.EmailAddress)
		}
	}
	if len(recipients) == 0 {
		return nil, pkgerrors.Invalid("merchant %s has no email address for statements", m.ID())
	}

	messageID := uuid.New()
	providerID, err := s.sender.SendEmail(ctx, messaging.Email{
		MessageID: messageID,
		To:        recipients,
		Subject:   fmt.Sprintf("Merchant statement %s", st.StatementDate().Format("January 2006")),
		Body:      renderSummary(m.Name(), st),
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.execute(ctx, "RecordStatementEmailed", req.StatementID, func(st *Aggregate) error {
		return st.RecordEmailSent(messageID, providerID, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Statement emailed", map[string]interface{}{
		"statement_id": req.StatementID,
		"message_id":   messageID,
		"recipients":   len(recipients),
	})
	return resp, nil
}

func (s *Service) GetStatement(ctx context.Context, statementID uuid.UUID) (*StatementResponse, error) {
	st, err := s.statements.GetLatest(ctx, statementID)
	if err != nil {
		return nil, err
	}
	return toResponse(st), nil
}

func renderSummary(merchantName string, st *Aggregate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Statement for %s\n", merchantName)
	fmt.Fprintf(&b, "Period: %s\n\n", st.StatementDate().Format("January 2006"))
	for _, line := range st.Lines() {
		kind := "Sale"
		if line.IsFee {
			kind = "Settled fee"
		}
		fmt.Fprintf(&b, "%s  %-12s %12s\n", line.DateTime.Format("2006-01-02 15:04"), kind, line.Amount.StringFixed(2))
	}
	fmt.Fprintf(&b, "\nSales: %d totalling %s\n", st.TransactionCount(), st.TransactionValue().StringFixed(2))
	fmt.Fprintf(&b, "Settled fees: %d totalling %s\n", st.FeeCount(), st.FeeValue().StringFixed(2))
	return b.String()
}

// EmailSender delivers an email and returns the provider message id.
type EmailSender interface {
	SendEmail(ctx context.Context, email messaging.Email) (string, error)
}
