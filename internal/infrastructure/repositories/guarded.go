package repositories

import (
	"context"
	"errors"

	"meshcall/internal/core/domain"
	"meshcall/pkg/circuitbreaker"
	apperrors "meshcall/pkg/errors"

	"go.uber.org/zap"
)

// guardedUserStore fails account calls fast while the backing store keeps
// erroring. Domain outcomes such as "not found" never trip it.
type guardedUserStore struct {
	next    UserStore
	breaker *circuitbreaker.CircuitBreaker
}

func newGuardedUserStore(next UserStore, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *guardedUserStore {
	cfg.IsFailure = isStorageFailure
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("user store circuit changed", "from", from.String(), "to", to.String())
	})
	return &guardedUserStore{next: next, breaker: breaker}
}

func isStorageFailure(err error) bool {
	return !errors.Is(err, domain.ErrUserNotFound) &&
		!errors.Is(err, domain.ErrUserExists) &&
		!errors.Is(err, context.Canceled)
}

func (g *guardedUserStore) Create(ctx context.Context, user *domain.User) error {
	return g.translate(g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Create(ctx, user)
	}))
}

func (g *guardedUserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	user, err := circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (*domain.User, error) {
		return g.next.GetByEmail(ctx, email)
	})
	return user, g.translate(err)
}

func (g *guardedUserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, err := circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (*domain.User, error) {
		return g.next.GetByUsername(ctx, username)
	})
	return user, g.translate(err)
}

// Ping bypasses the breaker so readiness reports the store itself.
func (g *guardedUserStore) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}

func (g *guardedUserStore) translate(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.NewServiceUnavailableError("user store")
	}
	return err
}
