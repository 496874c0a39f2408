package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	msgFieldsRequired   = "All fields are required."
	msgPasswordMismatch = "Passwords do not match."
)

type accountService struct {
	users      ports.UserRepository
	auth       AuthService
	bcryptCost int
	logger     *zap.SugaredLogger
}

// NewAccountService creates the signup/login service. Validation failures are
// returned as *apperrors.AppError; storage conflicts and bad credentials as
// domain errors.
func NewAccountService(users ports.UserRepository, auth AuthService, bcryptCost int, logger *zap.SugaredLogger) ports.AccountService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &accountService{
		users:      users,
		auth:       auth,
		bcryptCost: bcryptCost,
		logger:     logger,
	}
}

func (s *accountService) Signup(ctx context.Context, username, email, password, confirmPassword string) (*domain.User, error) {
	username = utils.SanitizeString(username)
	email = utils.NormalizeEmail(email)
	if username == "" || email == "" || password == "" || confirmPassword == "" {
		return nil, apperrors.NewInvalidInputError(msgFieldsRequired)
	}
	if password != confirmPassword {
		return nil, apperrors.NewInvalidInputError(msgPasswordMismatch)
	}
	if err := validation.ValidateUsername(username); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateEmail(email); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           domain.UserID(utils.NewUserID()),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Infow("user registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

func (s *accountService) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	email = utils.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, "", apperrors.NewInvalidInputError(msgFieldsRequired)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		s.logger.Infow("login rejected", "email", utils.MaskSensitive(email, 3), "reason", "unknown email")
		return nil, "", domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Infow("login rejected", "user_id", user.ID, "reason", "password mismatch")
		return nil, "", domain.ErrInvalidCredentials
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}

	s.logger.Infow("user logged in", "user_id", user.ID)
	return user, token, nil
}
