package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesCountedByTypeAndStatus(t *testing.T) {
	entriesTotal.Reset()
	svc := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	sale, err := svc.AppendCompleted(ctx, AppendRequest{SellerID: "s1", Type: TypeSale, AmountCents: 2500, Currency: "USD"})
	require.NoError(t, err)
	payout, err := svc.Append(ctx, AppendRequest{SellerID: "s1", Type: TypePayout, AmountCents: 1000, Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Fail(ctx, payout.ID, "bank rejected")
	require.NoError(t, err)
	_, err = svc.ReverseAmount(ctx, sale.ID, 500, "partial refund")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(entriesTotal.WithLabelValues("sale", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(entriesTotal.WithLabelValues("sale", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(entriesTotal.WithLabelValues("payout", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(entriesTotal.WithLabelValues(string(TypeSale.reversalType()), "completed")))
}

func TestRejectedTransitionNotCounted(t *testing.T) {
	entriesTotal.Reset()
	svc := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	e, err := svc.Append(ctx, AppendRequest{SellerID: "s2", Type: TypeCommission, AmountCents: 100, Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, e.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	assert.Equal(t, 1.0, testutil.ToFloat64(entriesTotal.WithLabelValues("commission", "completed")))
}

func TestBalanceLatencyObserved(t *testing.T) {
	opDuration.Reset()
	svc := NewService(NewMemoryStore(), nil, nil)
	_, err := svc.SellerBalance(context.Background(), "s3", "USD")
	require.NoError(t, err)

	var m dto.Metric
	require.NoError(t, opDuration.WithLabelValues("balance").(prometheus.Histogram).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}
