package operator

import (
	"context"

	"txprocessor/internal/identity"
	"txprocessor/internal/voucher"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
)

// VoucherIssuer is the part of voucher.Service the proxy needs.
type VoucherIssuer interface {
	IssueVoucher(ctx context.Context, req *voucher.IssueVoucherRequest) (*voucher.VoucherResponse, error)
}

// VoucherProxy fulfils sales for the in-house voucher operator. The voucher
// code is returned as the authorisation code.
type VoucherProxy struct {
	vouchers VoucherIssuer
	logger   logger.Logger
}

func NewVoucherProxy(vouchers VoucherIssuer, log logger.Logger) *VoucherProxy {
	return &VoucherProxy{vouchers: vouchers, logger: log}
}

func (p *VoucherProxy) ProcessSale(ctx context.Context, req *SaleRequest) (*SaleResponse, error) {
	email := req.AdditionalData[KeyRecipientEmail]
	mobile := req.AdditionalData[KeyRecipientMobile]
	if email == "" && mobile == "" {
		return &SaleResponse{
			ResponseCode:    "1002",
			ResponseMessage: "Voucher recipient email or mobile is required",
		}, nil
	}

	v, err := p.vouchers.IssueVoucher(ctx, &voucher.IssueVoucherRequest{
		VoucherID:       identity.Voucher(req.TransactionID),
		OperatorID:      req.OperatorID,
		EstateID:        req.EstateID,
		TransactionID:   req.TransactionID,
		Value:           req.Amount,
		RecipientEmail:  email,
		RecipientMobile: mobile,
		IssuedDateTime:  req.TransactionDateTime,
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrInvalid) || pkgerrors.Is(err, pkgerrors.ErrForbidden) {
			p.logger.Warn("Voucher issue rejected", map[string]interface{}{
				"transaction_id": req.TransactionID,
				"reason":         pkgerrors.Reason(err),
			})
			return &SaleResponse{
				ResponseCode:    "1003",
				ResponseMessage: pkgerrors.Reason(err),
			}, nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to issue voucher for transaction %s", req.TransactionID)
	}

	return &SaleResponse{
		IsSuccessful:          true,
		AuthorisationCode:     v.VoucherCode,
		ResponseCode:          "0000",
		ResponseMessage:       "SUCCESS",
		OperatorTransactionID: v.VoucherID.String(),
		AdditionalData: map[string]string{
			"VoucherCode": v.VoucherCode,
			"VoucherID":   v.VoucherID.String(),
			"ExpiryDate":  v.ExpiryDate.Format("2006-01-02"),
		},
	}, nil
}
