package stories

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

type memoryBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	deleteErr error
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: make(map[string][]byte)}
}

func (m *memoryBlobStore) Put(_ context.Context, objectPath string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objectURL := "mem://" + objectPath
	m.objects[objectURL] = data
	return objectURL, nil
}

func (m *memoryBlobStore) Delete(_ context.Context, objectURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, objectURL)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.objects, objectURL)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db      *gorm.DB
	service *Service
	users   *users.Service
	blobs   *memoryBlobStore
	clock   *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "stories.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &users.Follow{}, &Story{}, &StoryView{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceProvider{prefix: "user"},
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	blobs := newMemoryBlobStore()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Blobs:      blobs,
		Follows:    userService,
		Clock:      clock.Now,
		IDProvider: &sequenceProvider{prefix: "story"},
	})
	if err != nil {
		t.Fatalf("failed to build stories service: %v", err)
	}
	return &fixture{db: db, service: service, users: userService, blobs: blobs, clock: clock}
}

func (f *fixture) user(t *testing.T, username string) string {
	t.Helper()
	userID, err := f.users.ResolveUserID(context.Background(), username)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", username, err)
	}
	return userID
}

func (f *fixture) createStory(t *testing.T, ownerID, visibility string) Story {
	t.Helper()
	story, err := f.service.Create(context.Background(), CreateInput{
		OwnerID:     ownerID,
		Title:       "sunset",
		Visibility:  visibility,
		Filename:    "sunset.jpg",
		ContentType: "image/jpeg",
		Body:        []byte("jpeg-bytes"),
	})
	if err != nil {
		t.Fatalf("failed to create story: %v", err)
	}
	return story
}

func mustNotFound(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
