package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/expiring"
)

func newService() (*Service, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewService(expiring.NewMemoryStore().WithClock(clk), 0, 0, nil), clk
}

func TestIssueAndVerify(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	code, err := svc.Issue(ctx, "hold:h-1")
	require.NoError(t, err)
	assert.Len(t, code, 6)

	require.NoError(t, svc.Verify(ctx, "hold:h-1", code))
	assert.ErrorIs(t, svc.Verify(ctx, "hold:h-1", code), ErrInvalidCode, "codes are single use")
}

func TestVerify_WrongCodeAndOtherSubject(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	code, err := svc.Issue(ctx, "hold:h-1")
	require.NoError(t, err)

	err = svc.Verify(ctx, "hold:h-2", code)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, svc.Verify(ctx, "hold:h-1", wrong), ErrInvalidCode)
	require.NoError(t, svc.Verify(ctx, "hold:h-1", code))
}

func TestVerify_LocksOutAfterMaxAttempts(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	code, err := svc.Issue(ctx, "hold:h-1")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < DefaultMaxAttempts; i++ {
		assert.ErrorIs(t, svc.Verify(ctx, "hold:h-1", wrong), ErrInvalidCode)
	}
	assert.ErrorIs(t, svc.Verify(ctx, "hold:h-1", code), ErrTooManyAttempts,
		"the correct code is refused once locked out")

	fresh, err := svc.Issue(ctx, "hold:h-1")
	require.NoError(t, err)
	assert.NoError(t, svc.Verify(ctx, "hold:h-1", fresh), "reissuing resets the counter")
}

func TestVerify_Expires(t *testing.T) {
	svc, clk := newService()
	ctx := context.Background()

	code, err := svc.Issue(ctx, "hold:h-1")
	require.NoError(t, err)
	clk.Advance(DefaultTTL + time.Second)
	assert.ErrorIs(t, svc.Verify(ctx, "hold:h-1", code), ErrInvalidCode)
}
