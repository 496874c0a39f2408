package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "meshcall:"

type RedisUserRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisUserRepository(client redis.UniversalClient) *RedisUserRepository {
	return &RedisUserRepository{
		client: client,
		prefix: keyPrefix + "user:",
	}
}

var _ ports.UserRepository = (*RedisUserRepository)(nil)

func (r *RedisUserRepository) userKey(id domain.UserID) string {
	return r.prefix + string(id)
}

func (r *RedisUserRepository) emailIndexKey() string    { return r.prefix + "index:email" }
func (r *RedisUserRepository) usernameIndexKey() string { return r.prefix + "index:username" }

// Create claims the email and username index slots with HSETNX before the
// record is written, so two concurrent signups cannot both succeed.
func (r *RedisUserRepository) Create(ctx context.Context, user *domain.User) error {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "create", "user")
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "user.create")

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	email, username := strings.ToLower(user.Email), strings.ToLower(user.Username)

	claimed, err := r.client.HSetNX(ctx, r.emailIndexKey(), email, string(user.ID)).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !claimed {
		return domain.ErrUserExists
	}

	claimed, err = r.client.HSetNX(ctx, r.usernameIndexKey(), username, string(user.ID)).Result()
	if err != nil || !claimed {
		r.client.HDel(ctx, r.emailIndexKey(), email)
		if err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to claim username: %w", err)
		}
		return domain.ErrUserExists
	}

	if err := r.client.Set(ctx, r.userKey(user.ID), data, 0).Err(); err != nil {
		pipe := r.client.TxPipeline()
		pipe.HDel(ctx, r.emailIndexKey(), email)
		pipe.HDel(ctx, r.usernameIndexKey(), username)
		_, _ = pipe.Exec(ctx)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

func (r *RedisUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getByIndex(ctx, r.emailIndexKey(), email)
}

func (r *RedisUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getByIndex(ctx, r.usernameIndexKey(), username)
}

func (r *RedisUserRepository) getByIndex(ctx context.Context, index, key string) (*domain.User, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "get", "user")
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "user.get")

	id, err := r.client.HGet(ctx, index, strings.ToLower(key)).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}

	data, err := r.client.Get(ctx, r.userKey(domain.UserID(id))).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}

	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (r *RedisUserRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
