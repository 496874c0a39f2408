package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type mockAccountService struct {
	mock.Mock
}

func (m *mockAccountService) Signup(ctx context.Context, username, email, password, confirm string) (*domain.User, error) {
	args := m.Called(ctx, username, email, password, confirm)
	user, _ := args.Get(0).(*domain.User)
	return user, args.Error(1)
}

func (m *mockAccountService) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	args := m.Called(ctx, email, password)
	user, _ := args.Get(0).(*domain.User)
	return user, args.String(1), args.Error(2)
}

type nullConn struct{ id domain.ConnectionID }

func (c nullConn) ID() domain.ConnectionID     { return c.id }
func (c nullConn) Deliver(domain.Event) bool { return true }

func newRouter(t *testing.T) (*gin.Engine, services.AuthService, func(room domain.RoomID, pid domain.ParticipantID)) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	auth := services.NewAuthService("handler-secret", time.Hour)
	accounts := services.NewAccountService(memory.NewMemoryUserRepository(), auth, bcrypt.MinCost, logger)
	registry := services.NewSessionRegistry(nil, 8, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewAccountHandler(accounts).SetupRoutes(router)
	NewRoomHandler(registry).SetupRoutes(router, middleware.AuthMiddleware(auth))

	join := func(room domain.RoomID, pid domain.ParticipantID) {
		_, err := registry.Join(context.Background(), room, pid,
			domain.MediaState{CameraEnabled: true}, nullConn{id: domain.ConnectionID(pid)})
		require.NoError(t, err)
	}
	return router, auth, join
}

func do(router http.Handler, method, path string, body interface{}, header ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func signupBody(username, email, password, confirm string) map[string]string {
	return map[string]string{
		"username":        username,
		"email":           email,
		"password":        password,
		"confirmPassword": confirm,
	}
}

func TestSignup(t *testing.T) {
	router, _, _ := newRouter(t)

	w, body := do(router, http.MethodPost, "/api/signup", signupBody("alice", "alice@example.com", "secret1", "secret1"))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "User registered successfully.", body["message"])

	tests := []struct {
		name    string
		body    interface{}
		message string
	}{
		{"duplicate email", signupBody("alice2", "ALICE@example.com", "secret1", "secret1"), "Username or email already exists."},
		{"duplicate username", signupBody("alice", "other@example.com", "secret1", "secret1"), "Username or email already exists."},
		{"missing field", signupBody("bob", "", "secret1", "secret1"), "All fields are required."},
		{"mismatch", signupBody("bob", "bob@example.com", "secret1", "secret2"), "Passwords do not match."},
		{"malformed json", "{", "Invalid request body."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(router, http.MethodPost, "/api/signup", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestLogin(t *testing.T) {
	router, auth, _ := newRouter(t)

	w, _ := do(router, http.MethodPost, "/api/signup", signupBody("carol", "carol@example.com", "hunter22", "hunter22"))
	require.Equal(t, http.StatusCreated, w.Code)

	w, body := do(router, http.MethodPost, "/api/login", map[string]string{"email": "carol@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Login successful.", body["message"])

	token, _ := body["token"].(string)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.Username)

	w, body = do(router, http.MethodPost, "/api/login", map[string]string{"email": "carol@example.com", "password": "wrong-pass"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid email or password.", body["message"])

	w, body = do(router, http.MethodPost, "/api/login", map[string]string{"email": "nobody@example.com", "password": "hunter22"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid email or password.", body["message"])

	w, body = do(router, http.MethodPost, "/api/login", map[string]string{"email": "carol@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "All fields are required.", body["message"])
}

func TestAccountHandler_StorageFailureIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	accounts := new(mockAccountService)
	accounts.On("Login", mock.Anything, "dave@example.com", "pw1234").
		Return(nil, "", errors.New("connection refused"))
	accounts.On("Signup", mock.Anything, "dave", "dave@example.com", "pw1234", "pw1234").
		Return(nil, errors.New("connection refused"))

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewAccountHandler(accounts).SetupRoutes(router)

	w, body := do(router, http.MethodPost, "/api/login", map[string]string{"email": "dave@example.com", "password": "pw1234"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server error.", body["message"])

	w, body = do(router, http.MethodPost, "/api/signup", signupBody("dave", "dave@example.com", "pw1234", "pw1234"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server error.", body["message"])

	accounts.AssertExpectations(t)
}

func TestGetRoom(t *testing.T) {
	router, auth, join := newRouter(t)
	token, err := auth.GenerateToken("u1", "alice")
	require.NoError(t, err)
	bearer := "Bearer " + token

	w, _ := do(router, http.MethodGet, "/api/rooms/r1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := do(router, http.MethodGet, "/api/rooms/r1", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	join("r1", "alice")
	join("r1", "bob")

	w, body = do(router, http.MethodGet, "/api/rooms/r1", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "r1", body["roomId"])

	participants, ok := body["participants"].([]interface{})
	require.True(t, ok)
	var ids []string
	for _, p := range participants {
		entry := p.(map[string]interface{})
		ids = append(ids, entry["participantId"].(string))
		assert.Equal(t, true, entry["cameraEnabled"])
		assert.Equal(t, false, entry["microphoneEnabled"])
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
}
