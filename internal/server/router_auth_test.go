package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/lowkey/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/lowkeys/public", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenVerifier{
			verifyErr: jwt.ErrTokenExpired,
		},
		users:  &stubUserDirectory{},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/lowkeys/public", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenVerifier{
			verifyErr: errors.New("signature mismatch"),
		},
		users:  &stubUserDirectory{},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
}

func TestAuthorizeRequestStoresResolvedUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/lowkeys/public", http.NoBody)
	request.Header.Set("Authorization", "Bearer good-token")
	ctx.Request = request

	directory := &stubUserDirectory{userID: "user-42"}
	handler := &httpHandler{
		tokens: stubTokenVerifier{subject: "alice"},
		users:  directory,
		logger: zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got status %d", recorder.Code)
	}
	if got := currentUserID(ctx); got != "user-42" {
		t.Fatalf("expected resolved user id, got %q", got)
	}
	if directory.resolved != "alice" {
		t.Fatalf("expected token subject to be resolved, got %q", directory.resolved)
	}
}

func TestAuthorizeRequestReportsDirectoryFailureAsInternal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/lowkeys/public", http.NoBody)
	request.Header.Set("Authorization", "Bearer good-token")
	ctx.Request = request

	handler := &httpHandler{
		tokens: stubTokenVerifier{subject: "alice"},
		users:  &stubUserDirectory{resolveErr: errors.New("database is locked")},
		logger: zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the directory fails, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestRejectsMissingOrMalformedHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer    "} {
		recorder := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(recorder)
		ctx.Request = httptest.NewRequest(http.MethodGet, "/lowkeys/public", http.NoBody)
		if header != "" {
			ctx.Request.Header.Set("Authorization", header)
		}

		handler := &httpHandler{tokens: stubTokenVerifier{}, users: &stubUserDirectory{}, logger: zap.NewNop()}
		handler.authorizeRequest(ctx)

		expectError(t, recorder, http.StatusUnauthorized, reasonUnauthorized)
	}
}

type stubTokenVerifier struct {
	subject   string
	verifyErr error
}

func (s stubTokenVerifier) Verify(string) (string, error) {
	if s.verifyErr != nil {
		return "", s.verifyErr
	}
	return s.subject, nil
}

type stubUserDirectory struct {
	userID     string
	resolveErr error
	resolved   string
}

func (s *stubUserDirectory) ResolveUserID(_ context.Context, username string) (string, error) {
	s.resolved = username
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	return s.userID, nil
}

func (s *stubUserDirectory) Get(context.Context, string) (users.User, error) {
	return users.User{}, users.ErrUserNotFound
}

func (s *stubUserDirectory) Follow(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (s *stubUserDirectory) Unfollow(context.Context, string, string) error {
	return errors.New("not implemented")
}
