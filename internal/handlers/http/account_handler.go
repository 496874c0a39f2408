package http

import (
	"errors"
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	msgRegistered   = "User registered successfully."
	msgLoggedIn     = "Login successful."
	msgUserExists   = "Username or email already exists."
	msgInvalidLogin = "Invalid email or password."
	msgServerError  = "Server error."
	msgBadRequest   = "Invalid request body."
)

type AccountHandler struct {
	accounts ports.AccountService
}

func NewAccountHandler(accounts ports.AccountService) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
	}
}

func (h *AccountHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.POST("/signup", h.Signup)
		api.POST("/login", h.Login)
	}
}

type SignupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AccountHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(msgBadRequest))
		return
	}

	if _, err := h.accounts.Signup(c.Request.Context(), req.Username, req.Email, req.Password, req.ConfirmPassword); err != nil {
		_ = c.Error(accountError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msgRegistered})
}

func (h *AccountHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(msgBadRequest))
		return
	}

	_, token, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		_ = c.Error(accountError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": msgLoggedIn,
		"token":   token,
	})
}

// accountError maps service errors onto the 400/500 bodies the account API
// returns.
func accountError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrUserExists):
		return apperrors.NewConflictError(msgUserExists, http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return apperrors.NewInvalidCredentialsError(msgInvalidLogin)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, msgServerError, http.StatusInternalServerError)
	}
}
