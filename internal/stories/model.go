package stories

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Visibility controls who may read a story.
type Visibility string

const (
	// VisibilityPublic lets any authenticated viewer read the story.
	VisibilityPublic Visibility = "public"
	// VisibilityFollowers limits the story to its owner and the owner's followers.
	VisibilityFollowers Visibility = "followers"
)

// DefaultTTL is how long a story stays active after creation.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound indicates the story is absent or no longer active.
	ErrNotFound = errors.New("stories: not found")
	// ErrForbidden indicates the viewer may not see the story.
	ErrForbidden = errors.New("stories: forbidden")
	// ErrStorageUnavailable indicates no blob backend is configured.
	ErrStorageUnavailable = errors.New("stories: storage unavailable")
	// ErrInvalidVisibility indicates an unknown visibility value.
	ErrInvalidVisibility = errors.New("stories: invalid visibility")
	// ErrMissingMedia indicates a create request without a media payload.
	ErrMissingMedia = errors.New("stories: media file required")
	// ErrMissingOwner indicates a create request without an owner.
	ErrMissingOwner = errors.New("stories: owner required")
)

// ParseVisibility maps client input onto a Visibility. Empty input means public.
func ParseVisibility(raw string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(VisibilityPublic):
		return VisibilityPublic, nil
	case string(VisibilityFollowers), "followers-only", "followers_only":
		return VisibilityFollowers, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// Story is an ephemeral media item. It is readable only while IsActive.
type Story struct {
	StoryID         string     `gorm:"column:story_id;primaryKey;size:190;not null"`
	OwnerID         string     `gorm:"column:owner_id;size:190;not null;index"`
	Title           *string    `gorm:"column:title;size:512"`
	MediaURL        string     `gorm:"column:media_url;size:1024;not null"`
	MediaType       string     `gorm:"column:media_type;size:16;not null"`
	Visibility      Visibility `gorm:"column:visibility;size:16;not null;check:chk_story_visibility,visibility IN ('public','followers')"`
	IsActive        bool       `gorm:"column:is_active;not null;index:idx_stories_active_created,priority:1"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null;index:idx_stories_active_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Story) TableName() string {
	return "stories"
}

// CreatedAt returns the creation instant.
func (s Story) CreatedAt() time.Time {
	return time.UnixMilli(s.CreatedAtMillis).UTC()
}

// ExpiresAt is derived from the creation time. It is informational only:
// the sweeper flipping IsActive is what hides a story.
func (s Story) ExpiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.CreatedAt().Add(ttl)
}

// StoryView records the first time a viewer opened a story.
type StoryView struct {
	StoryID        string `gorm:"column:story_id;primaryKey;size:190;not null"`
	ViewerID       string `gorm:"column:viewer_id;primaryKey;size:190;not null;index"`
	ViewedAtMillis int64  `gorm:"column:viewed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoryView) TableName() string {
	return "story_views"
}

// ViewRecord is a StoryView joined with the viewer's username.
type ViewRecord struct {
	ViewerID       string `gorm:"column:viewer_id"`
	Username       string `gorm:"column:username"`
	ViewedAtMillis int64  `gorm:"column:viewed_at_ms"`
}

// ViewedAt returns the view instant.
func (v ViewRecord) ViewedAt() time.Time {
	return time.UnixMilli(v.ViewedAtMillis).UTC()
}

// CreateInput carries a new story and its media payload.
type CreateInput struct {
	OwnerID     string
	Title       string
	Visibility  string
	Filename    string
	ContentType string
	Body        []byte
}
