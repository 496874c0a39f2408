package memory

import (
	"context"
	"strings"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type MemoryUserRepository struct {
	users      map[domain.UserID]*domain.User
	byEmail    map[string]domain.UserID
	byUsername map[string]domain.UserID
	mu         sync.RWMutex
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		users:      make(map[domain.UserID]*domain.User),
		byEmail:    make(map[string]domain.UserID),
		byUsername: make(map[string]domain.UserID),
	}
}

var _ ports.UserRepository = (*MemoryUserRepository)(nil)

// Create stores user. Usernames and emails are unique, case-insensitively.
func (r *MemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email, username := strings.ToLower(user.Email), strings.ToLower(user.Username)
	if _, taken := r.byEmail[email]; taken {
		return domain.ErrUserExists
	}
	if _, taken := r.byUsername[username]; taken {
		return domain.ErrUserExists
	}

	stored := *user
	r.users[user.ID] = &stored
	r.byEmail[email] = user.ID
	r.byUsername[username] = user.ID
	return nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.byEmail, email)
}

func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.byUsername, username)
}

func (r *MemoryUserRepository) lookup(index map[string]domain.UserID, key string) (*domain.User, error) {
	id, ok := index[strings.ToLower(key)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	user := *r.users[id]
	return &user, nil
}

func (r *MemoryUserRepository) Ping(ctx context.Context) error {
	return nil
}
