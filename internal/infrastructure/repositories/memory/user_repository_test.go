package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(id, username, email string) *domain.User {
	return &domain.User{
		ID:           domain.UserID(id),
		Username:     username,
		Email:        email,
		PasswordHash: "hash",
		CreatedAt:    time.Now(),
	}
}

func TestMemoryUserRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newUser("u1", "alice", "alice@example.com")))

	got, err := repo.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), got.ID)

	got, err = repo.GetByUsername(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)

	_, err = repo.GetByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestMemoryUserRepository_Duplicates(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newUser("u1", "alice", "alice@example.com")))

	assert.ErrorIs(t, repo.Create(ctx, newUser("u2", "alice", "other@example.com")), domain.ErrUserExists)
	assert.ErrorIs(t, repo.Create(ctx, newUser("u3", "bob", "Alice@Example.com")), domain.ErrUserExists)

	// a failed create leaves no partial index entry behind
	_, err := repo.GetByEmail(ctx, "other@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestMemoryUserRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()
	u := newUser("u1", "alice", "alice@example.com")
	require.NoError(t, repo.Create(ctx, u))

	u.Username = "mallory"
	got, err := repo.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	got.Email = "changed@example.com"
	again, _ := repo.GetByUsername(ctx, "alice")
	assert.Equal(t, "alice@example.com", again.Email)
}

func TestMemoryUserRepository_ConcurrentSignupsOneWinner(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- repo.Create(ctx, newUser(fmt.Sprintf("u%d", i), "alice", fmt.Sprintf("a%d@example.com", i)))
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, domain.ErrUserExists)
		}
	}
	assert.Equal(t, 1, ok)
}
