// Package verification issues one-time codes that guard sensitive manual
// operations such as releasing a payment hold early.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/expiring"
)

var (
	ErrInvalidCode     = apperr.Validation("verification code is invalid or expired")
	ErrTooManyAttempts = apperr.Authorization("too many verification attempts")
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

// Service issues and checks codes. Only the SHA-256 of a code is stored.
type Service struct {
	store       expiring.Store
	ttl         time.Duration
	maxAttempts int64
	logger      *slog.Logger
}

// NewService creates a verification service. Zero ttl or maxAttempts take
// the defaults.
func NewService(store expiring.Store, ttl time.Duration, maxAttempts int, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ttl: ttl, maxAttempts: int64(maxAttempts), logger: logger}
}

func codeKey(subject string) string     { return "verify:code:" + subject }
func attemptsKey(subject string) string { return "verify:attempts:" + subject }

// Issue creates a fresh code for subject, replacing any previous one and
// resetting its attempt counter. The plaintext is returned once.
func (s *Service) Issue(ctx context.Context, subject string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	if err := s.store.Delete(ctx, attemptsKey(subject)); err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, codeKey(subject), hash(code), s.ttl); err != nil {
		return "", err
	}
	s.logger.Info("verification code issued", "subject", subject, "ttl", s.ttl)
	return code, nil
}

// Verify checks code for subject. Every call counts as an attempt; once the
// limit is exceeded the subject is locked out until a new code is issued or
// the counter expires. Success consumes the code.
func (s *Service) Verify(ctx context.Context, subject, code string) error {
	n, err := s.store.Incr(ctx, attemptsKey(subject), s.ttl)
	if err != nil {
		return err
	}
	if n > s.maxAttempts {
		s.logger.Warn("verification locked out", "subject", subject, "attempts", n)
		return ErrTooManyAttempts
	}

	stored, ok, err := s.store.Get(ctx, codeKey(subject))
	if err != nil {
		return err
	}
	if !ok || subtle.ConstantTimeCompare([]byte(stored), []byte(hash(code))) != 1 {
		return ErrInvalidCode
	}
	return s.store.Delete(ctx, codeKey(subject), attemptsKey(subject))
}

func hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
