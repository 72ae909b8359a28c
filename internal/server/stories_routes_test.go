package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFollowersOnlyStoryRequiresFollowEdge(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	story := harness.createStory(t, "alice", "followers")
	if story.Visibility != "followers" {
		t.Fatalf("expected followers visibility, got %q", story.Visibility)
	}

	expectError(t, harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "bob", nil), http.StatusForbidden, reasonForbidden)

	aliceID := harness.userID(t, "alice")
	follow := harness.doJSON(t, http.MethodPost, "/follows/"+aliceID, "bob", nil)
	if follow.Code != http.StatusCreated {
		t.Fatalf("expected 201 following, got %d: %s", follow.Code, follow.Body.String())
	}

	viewed := harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "bob", nil)
	if viewed.Code != http.StatusOK {
		t.Fatalf("expected 200 after following, got %d: %s", viewed.Code, viewed.Body.String())
	}

	views := harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID+"/views", "alice", nil)
	if views.Code != http.StatusOK {
		t.Fatalf("expected 200 listing views, got %d", views.Code)
	}
	var records []storyViewPayload
	decodeBody(t, views, &records)
	if len(records) != 1 || records[0].Username != "bob" || records[0].ViewerID != harness.userID(t, "bob") {
		t.Fatalf("expected bob's view, got %#v", records)
	}

	feed := harness.doJSON(t, http.MethodGet, "/lowkeys/feed", "bob", nil)
	var feedStories []storyPayload
	decodeBody(t, feed, &feedStories)
	if !containsStory(feedStories, story.ID) {
		t.Fatalf("expected followed owner's story in feed, got %#v", feedStories)
	}

	unfollow := harness.doJSON(t, http.MethodDelete, "/follows/"+aliceID, "bob", nil)
	if unfollow.Code != http.StatusNoContent {
		t.Fatalf("expected 204 unfollowing, got %d", unfollow.Code)
	}
	expectError(t, harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "bob", nil), http.StatusForbidden, reasonForbidden)
}

func TestPublicStoryVisibleToAnyAuthenticatedUser(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	story := harness.createStory(t, "alice", "")
	if story.Visibility != "public" {
		t.Fatalf("expected default public visibility, got %q", story.Visibility)
	}
	if story.MediaType != "image" {
		t.Fatalf("expected image media type, got %q", story.MediaType)
	}
	if !strings.HasPrefix(story.MediaURL, "http://lowkey.test/media/lowkeys/") {
		t.Fatalf("unexpected media url %q", story.MediaURL)
	}
	if got := story.ExpiresAt.Sub(story.CreatedAt); got != 24*time.Hour {
		t.Fatalf("expected expires_at 24h after created_at, got %s", got)
	}

	viewed := harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "carol", nil)
	if viewed.Code != http.StatusOK {
		t.Fatalf("expected 200 for public story, got %d", viewed.Code)
	}

	public := harness.doJSON(t, http.MethodGet, "/lowkeys/public?limit=10", "carol", nil)
	var list []storyPayload
	decodeBody(t, public, &list)
	if !containsStory(list, story.ID) {
		t.Fatalf("expected story in public listing, got %#v", list)
	}

	media := harness.do(t, http.MethodGet, strings.TrimPrefix(story.MediaURL, "http://lowkey.test"), "", http.NoBody, "")
	if media.Code != http.StatusOK || media.Body.String() != "jpeg-bytes" {
		t.Fatalf("expected stored media to be served, got %d %q", media.Code, media.Body.String())
	}
}

func TestRepeatedViewsRecordOnce(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	story := harness.createStory(t, "alice", "public")
	for attempt := 0; attempt < 3; attempt++ {
		if recorder := harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "carol", nil); recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", recorder.Code)
		}
	}
	var records []storyViewPayload
	decodeBody(t, harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID+"/views", "alice", nil), &records)
	if len(records) != 1 {
		t.Fatalf("expected a single view record, got %d", len(records))
	}
}

func TestDeleteStoryRequiresOwner(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	story := harness.createStory(t, "alice", "public")

	expectError(t, harness.doJSON(t, http.MethodDelete, "/lowkeys/"+story.ID, "bob", nil), http.StatusForbidden, reasonForbidden)

	deleted := harness.doJSON(t, http.MethodDelete, "/lowkeys/"+story.ID, "alice", nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", deleted.Code, deleted.Body.String())
	}
	expectError(t, harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "alice", nil), http.StatusNotFound, reasonNotFound)
	expectError(t, harness.doJSON(t, http.MethodDelete, "/lowkeys/"+story.ID, "alice", nil), http.StatusNotFound, reasonNotFound)
}

func TestExpiredStoryIsHidden(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	story := harness.createStory(t, "alice", "public")

	expired, err := harness.stories.ExpireStale(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired story, got %d", expired)
	}

	expectError(t, harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID, "bob", nil), http.StatusNotFound, reasonNotFound)
	expectError(t, harness.doJSON(t, http.MethodGet, "/lowkeys/"+story.ID+"/views", "alice", nil), http.StatusNotFound, reasonNotFound)
	var list []storyPayload
	decodeBody(t, harness.doJSON(t, http.MethodGet, "/lowkeys/public", "bob", nil), &list)
	if containsStory(list, story.ID) {
		t.Fatalf("expected expired story to be excluded from listing")
	}
	if deleted := harness.doJSON(t, http.MethodDelete, "/lowkeys/"+story.ID, "alice", nil); deleted.Code != http.StatusNoContent {
		t.Fatalf("expected owner to delete an expired story, got %d", deleted.Code)
	}
}

func TestCreateStoryValidation(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})

	missing := harness.upload(t, "alice", uploadFields{omitFile: true})
	expectError(t, missing, http.StatusUnprocessableEntity, reasonMissingFile)

	badVisibility := harness.upload(t, "alice", uploadFields{
		visibility:  "friends",
		filename:    "clip.mp4",
		contentType: "video/mp4",
		data:        []byte("mp4"),
	})
	expectError(t, badVisibility, http.StatusUnprocessableEntity, reasonInvalidVisibility)

	longTitle := harness.upload(t, "alice", uploadFields{
		title:       strings.Repeat("x", 281),
		filename:    "clip.mp4",
		contentType: "video/mp4",
		data:        []byte("mp4"),
	})
	expectError(t, longTitle, http.StatusBadRequest, reasonInvalidRequest)
}

func TestCreateStoryWithoutBlobStoreIsUnavailable(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{withoutBlobs: true})
	recorder := harness.upload(t, "alice", uploadFields{
		filename:    "notes.txt",
		contentType: "text/plain",
		data:        []byte("hello"),
	})
	expectError(t, recorder, http.StatusServiceUnavailable, reasonStorageUnavailable)
}

func TestListStoriesRejectsInvalidPage(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	for _, target := range []string{"/lowkeys/public?limit=0", "/lowkeys/public?limit=201", "/lowkeys/feed?offset=-1", "/lowkeys/public?limit=abc"} {
		expectError(t, harness.doJSON(t, http.MethodGet, target, "alice", nil), http.StatusBadRequest, reasonInvalidRequest)
	}
}

func TestStoryRoutesRequireBearerToken(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	expectError(t, harness.doJSON(t, http.MethodGet, "/lowkeys/public", "", nil), http.StatusUnauthorized, reasonUnauthorized)

	request := httptest.NewRequest(http.MethodGet, "/lowkeys/public", http.NoBody)
	request.Header.Set("Authorization", "Bearer not-a-token")
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	expectError(t, recorder, http.StatusUnauthorized, reasonUnauthorized)
}

func TestFollowValidation(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	bobID := harness.userID(t, "bob")
	expectError(t, harness.doJSON(t, http.MethodPost, "/follows/"+bobID, "bob", nil), http.StatusUnprocessableEntity, reasonSelfFollow)
	expectError(t, harness.doJSON(t, http.MethodPost, "/follows/missing-user", "bob", nil), http.StatusNotFound, reasonNotFound)
}

func TestHealthz(t *testing.T) {
	harness := newTestHarness(t, harnessOptions{})
	recorder := harness.do(t, http.MethodGet, "/healthz", "", http.NoBody, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}
