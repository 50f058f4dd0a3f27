package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/task"
)

// Manager hands out connected sessions, one per acquisition. Each
// account gets its own circuit breaker around connection
// establishment so a flapping server stops being dialed for a while
// instead of burning a retry budget per task.
type Manager struct {
	accounts map[string]model.AccountConfig
	log      *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	// secret resolves an account password; swapped in tests.
	secret func(acct model.AccountConfig) (string, error)
}

// NewManager builds a manager over the configured accounts.
func NewManager(accounts []model.AccountConfig, log *logging.Logger) *Manager {
	byID := make(map[string]model.AccountConfig, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	return &Manager{
		accounts: byID,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		secret:   resolveSecret,
	}
}

// Acquire connects and authenticates a session for the account. The
// session is exclusively owned by the caller until Close. Unknown or
// disabled accounts fail with UnavailableError; rejected credentials
// with AuthError; an open breaker or network failure with a plain
// connect error the task type treats as transient.
func (m *Manager) Acquire(ctx context.Context, accountID string) (task.AccountHandle, error) {
	cfg, ok := m.accounts[accountID]
	if !ok {
		return nil, &UnavailableError{AccountID: accountID, Reason: "not configured"}
	}
	if !cfg.Enabled {
		return nil, &UnavailableError{AccountID: accountID, Reason: "disabled"}
	}

	password, err := m.secret(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving password for %s: %w", accountID, err)
	}

	cb := m.breaker(accountID)
	result, err := cb.Execute(func() (any, error) {
		return connect(ctx, cfg, password, m.log)
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring account %s: %w", accountID, err)
	}
	return result.(*Session), nil
}

func (m *Manager) breaker(accountID string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[accountID]; ok {
		return cb
	}
	log := m.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        accountID,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Rejected credentials and cancellation say nothing about
			// server health.
			if IsAuthError(err) {
				return true
			}
			return ctxDone(err)
		},
	})
	m.breakers[accountID] = cb
	return cb
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// resolveSecret prefers an inline config password, then the system
// keyring.
func resolveSecret(cfg model.AccountConfig) (string, error) {
	if cfg.Password != "" {
		return cfg.Password, nil
	}
	return credential.Account(cfg.ID)
}
