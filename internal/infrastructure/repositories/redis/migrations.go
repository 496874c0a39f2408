package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 1
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date",
			"current_version", currentVersion,
			"target_version", currentSchemaVersion,
		)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", migration.Version)

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	return nil
}

// getSchemaVersion gets the current schema version from Redis
func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			// Rebuild the email and username indexes from the stored user
			// records, for data written before the indexes existed.
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				repo := NewRedisUserRepository(client)
				iter := client.Scan(ctx, 0, repo.prefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if strings.HasPrefix(key, repo.prefix+"index:") {
						continue
					}
					data, err := client.Get(ctx, key).Bytes()
					if err != nil {
						return err
					}
					var user domain.User
					if err := json.Unmarshal(data, &user); err != nil {
						return fmt.Errorf("decode %s: %w", key, err)
					}
					pipe := client.TxPipeline()
					pipe.HSetNX(ctx, repo.emailIndexKey(), strings.ToLower(user.Email), string(user.ID))
					pipe.HSetNX(ctx, repo.usernameIndexKey(), strings.ToLower(user.Username), string(user.ID))
					if _, err := pipe.Exec(ctx); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
