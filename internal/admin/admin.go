// Package admin provides operator endpoints for resolving stuck financial
// states: refunds whose gateway call timed out and payouts the provider never
// reported back on.
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/refunds"
)

var ErrNotPayout = apperr.Validation("ledger entry is not a payout")

// RefundSettler settles a processing refund once the operator has
// confirmed the outcome with the provider.
type RefundSettler interface {
	CompleteFromProvider(ctx context.Context, refundID, providerRef string) (*refunds.Refund, error)
}

// PayoutLedger resolves pending payout entries.
type PayoutLedger interface {
	Get(ctx context.Context, id string) (*ledger.Entry, error)
	Complete(ctx context.Context, id string) (*ledger.Entry, error)
	Fail(ctx context.Context, id, reason string) (*ledger.Entry, error)
}

// Service applies operator resolutions. Every action is logged with the
// acting operator.
type Service struct {
	refunds RefundSettler
	ledger  PayoutLedger
	logger  *slog.Logger
}

func NewService(rf RefundSettler, lg PayoutLedger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{refunds: rf, ledger: lg, logger: logger}
}

// SettleRefund completes a refund stuck in processing.
func (s *Service) SettleRefund(ctx context.Context, refundID, providerRef, operator string) (*refunds.Refund, error) {
	r, err := s.refunds.CompleteFromProvider(ctx, refundID, providerRef)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("operator settled refund",
		"refund_id", refundID, "provider_ref", r.ProviderRef, "operator", operator)
	return r, nil
}

// ResolvePayout completes a pending payout, or fails it when reason is set.
func (s *Service) ResolvePayout(ctx context.Context, entryID string, paid bool, reason, operator string) (*ledger.Entry, error) {
	e, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Type != ledger.TypePayout {
		return nil, apperr.Wrap(ErrNotPayout, fmt.Sprintf("entry is a %s", e.Type))
	}

	if paid {
		e, err = s.ledger.Complete(ctx, entryID)
	} else {
		e, err = s.ledger.Fail(ctx, entryID, reason)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Warn("operator resolved payout",
		"entry_id", entryID, "seller_id", e.SellerID, "status", e.Status, "operator", operator)
	return e, nil
}
