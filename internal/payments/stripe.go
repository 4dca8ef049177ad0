package payments

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/refund"

	"github.com/mbd888/bazaar/internal/apperr"
)

// Metadata keys set on provider objects and read back from webhooks.
const (
	MetadataRefundID      = "bazaar_refund_id"
	MetadataOrderID       = "bazaar_order_id"
	MetadataReservationID = "bazaar_reservation_id"
	MetadataLedgerEntryID = "bazaar_ledger_entry_id"
)

// Stripe refunds PaymentIntents through the Stripe API.
type Stripe struct {
	client refund.Client
}

// NewStripe creates a Stripe gateway using secretKey.
func NewStripe(secretKey string) *Stripe {
	return &Stripe{client: refund.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderRef),
		Amount:        stripe.Int64(req.AmountCents),
	}
	if req.RefundID != "" {
		params.AddMetadata(MetadataRefundID, req.RefundID)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := s.client.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	switch r.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return nil, apperr.Gateway(errors.New("stripe refund "+string(r.Status)), false)
	}
	return &RefundResult{ProviderRef: r.ID, Pending: r.Status != stripe.RefundStatusSucceeded}, nil
}

// classifyStripe marks rate limits, server errors and transport failures as
// retryable. Card and request errors are final.
func classifyStripe(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable := se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
		return apperr.Gateway(err, retryable)
	}
	return apperr.Gateway(err, true)
}
