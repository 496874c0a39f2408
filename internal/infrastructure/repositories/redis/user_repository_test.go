package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a disposable Redis; set MESHCALL_TEST_REDIS=host:port.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MESHCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("MESHCALL_TEST_REDIS not set")
	}
	client, err := NewRedisClient(context.Background(), addr, "", 15, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisUserRepository_CreateAndGet(t *testing.T) {
	repo := NewRedisUserRepository(testClient(t))
	ctx := context.Background()

	id := domain.UserID(uuid.NewString())
	user := &domain.User{ID: id, Username: "Alice", Email: "alice@example.com", PasswordHash: "h", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, user))

	got, err := repo.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	got, err = repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Username)

	dup := &domain.User{ID: domain.UserID(uuid.NewString()), Username: "alice", Email: "new@example.com"}
	assert.ErrorIs(t, repo.Create(ctx, dup), domain.ErrUserExists)

	// the losing signup released its email claim
	_, err = repo.GetByEmail(ctx, "new@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.NoError(t, repo.Ping(ctx))
}
