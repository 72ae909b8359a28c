package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/auth"
	"github.com/MarcoPoloResearchLab/lowkey/internal/blob"
	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"github.com/MarcoPoloResearchLab/lowkey/internal/database"
	"github.com/MarcoPoloResearchLab/lowkey/internal/stories"
	"github.com/MarcoPoloResearchLab/lowkey/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"
)

type harnessOptions struct {
	withoutBlobs bool
	liveChat     LiveChatSettings
}

type testHarness struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	users    *users.Service
	stories  *stories.Service
	chats    *chat.Store
	registry *chat.Registry
}

func newTestHarness(t *testing.T, options harnessOptions) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "lowkey.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "lowkey-auth",
		Audience:      "lowkey-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	var media http.Handler
	storyConfig := stories.ServiceConfig{Database: db, Follows: userService, Logger: logger}
	if !options.withoutBlobs {
		localStore, err := blob.NewLocalStore(afero.NewMemMapFs(), "media", "http://lowkey.test/media")
		if err != nil {
			t.Fatalf("failed to build blob store: %v", err)
		}
		storyConfig.Blobs = localStore
		media = localStore.Handler()
	}
	storyService, err := stories.NewService(storyConfig)
	if err != nil {
		t.Fatalf("failed to build stories service: %v", err)
	}

	chatStore, err := chat.NewStore(chat.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build chat store: %v", err)
	}
	registry := chat.NewRegistry()
	broadcaster, err := chat.NewBroadcaster(chat.BroadcasterConfig{Store: chatStore, Registry: registry, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build broadcaster: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:      issuer,
		Users:       userService,
		Stories:     storyService,
		Chats:       chatStore,
		Broadcaster: broadcaster,
		Media:       media,
		LiveChat:    options.liveChat,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	t.Cleanup(registry.CloseAll)

	return &testHarness{
		handler:  handler,
		issuer:   issuer,
		users:    userService,
		stories:  storyService,
		chats:    chatStore,
		registry: registry,
	}
}

func (h *testHarness) token(t *testing.T, username string) string {
	t.Helper()
	token, _, err := h.issuer.Issue(context.Background(), username)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *testHarness) userID(t *testing.T, username string) string {
	t.Helper()
	userID, err := h.users.ResolveUserID(context.Background(), username)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", username, err)
	}
	return userID
}

func (h *testHarness) do(t *testing.T, method, target, username string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, body)
	if username != "" {
		request.Header.Set("Authorization", "Bearer "+h.token(t, username))
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *testHarness) doJSON(t *testing.T, method, target, username string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	return h.do(t, method, target, username, body, "application/json")
}

type uploadFields struct {
	title       string
	visibility  string
	filename    string
	contentType string
	data        []byte
	omitFile    bool
}

func (h *testHarness) upload(t *testing.T, username string, fields uploadFields) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if fields.title != "" {
		_ = writer.WriteField("title", fields.title)
	}
	if fields.visibility != "" {
		_ = writer.WriteField("visibility", fields.visibility)
	}
	if !fields.omitFile {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+fields.filename+`"`)
		header.Set("Content-Type", fields.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		if _, err := part.Write(fields.data); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return h.do(t, http.MethodPost, "/lowkeys", username, &body, writer.FormDataContentType())
}

func (h *testHarness) createStory(t *testing.T, username, visibility string) storyPayload {
	t.Helper()
	recorder := h.upload(t, username, uploadFields{
		title:       "sunset",
		visibility:  visibility,
		filename:    "sunset.jpg",
		contentType: "image/jpeg",
		data:        []byte("jpeg-bytes"),
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating story, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var story storyPayload
	decodeBody(t, recorder, &story)
	return story
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, reason string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	var body map[string]string
	decodeBody(t, recorder, &body)
	if body["error"] != reason {
		t.Fatalf("expected reason %q, got %q", reason, body["error"])
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func containsStory(list []storyPayload, storyID string) bool {
	for _, story := range list {
		if story.ID == storyID {
			return true
		}
	}
	return false
}
