package stories

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/blob"
	"github.com/MarcoPoloResearchLab/lowkey/internal/ids"
	"github.com/MarcoPoloResearchLab/lowkey/internal/paging"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew       = "stories.service.new"
	opCreate           = "stories.create"
	opGet              = "stories.get"
	opListPublic       = "stories.list_public"
	opListFollowing    = "stories.list_following"
	opDelete           = "stories.delete"
	opRecordView       = "stories.record_view"
	opListViews        = "stories.list_views"
	opExpireStale      = "stories.expire_stale"
	opAuthorize        = "stories.authorize"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonDeleteFailed = "delete_failed"
	reasonUploadFailed = "upload_failed"
	reasonIDFailed     = "id_generation_failed"
	reasonUpdateFailed = "update_failed"
	orderNewestFirst   = "created_at_ms DESC, story_id DESC"
	objectPathPrefix   = "lowkeys"
	fallbackFilename   = "media"
)

// ServiceError wraps infrastructure failures with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig wires the story store. Blobs may be nil, in which case
// creation fails with ErrStorageUnavailable.
type ServiceConfig struct {
	Database   *gorm.DB
	Blobs      blob.Store
	Follows    FollowChecker
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	TTL        time.Duration
}

// Service persists stories and their view records.
type Service struct {
	db         *gorm.DB
	blobs      blob.Store
	follows    FollowChecker
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	ttl        time.Duration
}

// NewService constructs the story store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		db:         cfg.Database,
		blobs:      cfg.Blobs,
		follows:    cfg.Follows,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		ttl:        ttl,
	}, nil
}

// TTL reports the active lifetime applied to stories.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Create uploads the media and inserts an active story referencing it.
func (s *Service) Create(ctx context.Context, input CreateInput) (Story, error) {
	ownerID := strings.TrimSpace(input.OwnerID)
	if ownerID == "" {
		return Story{}, ErrMissingOwner
	}
	visibility, err := ParseVisibility(input.Visibility)
	if err != nil {
		return Story{}, err
	}
	if len(input.Body) == 0 {
		return Story{}, ErrMissingMedia
	}
	if s.blobs == nil {
		return Story{}, ErrStorageUnavailable
	}

	storyID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailed, err)
		return Story{}, newServiceError(opCreate, reasonIDFailed, err)
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectPath := fmt.Sprintf("%s/%s/%s-%s", objectPathPrefix, ownerID, storyID, blob.SanitizeFilename(input.Filename, fallbackFilename))
	mediaURL, err := s.blobs.Put(ctx, objectPath, bytes.NewReader(input.Body), contentType)
	if err != nil {
		s.logError(opCreate, reasonUploadFailed, err, zap.String("owner_id", ownerID))
		return Story{}, newServiceError(opCreate, reasonUploadFailed, fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
	}

	story := Story{
		StoryID:         storyID,
		OwnerID:         ownerID,
		MediaURL:        mediaURL,
		MediaType:       blob.MediaKind(contentType),
		Visibility:      visibility,
		IsActive:        true,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if title := strings.TrimSpace(input.Title); title != "" {
		story.Title = &title
	}

	if err := s.db.WithContext(ctx).Create(&story).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, storyField(storyID))
		if deleteErr := s.blobs.Delete(context.WithoutCancel(ctx), mediaURL); deleteErr != nil {
			s.logger.Warn("orphaned story media", zap.String("media_url", mediaURL), zap.Error(deleteErr))
		}
		return Story{}, newServiceError(opCreate, reasonInsertFailed, err)
	}
	return story, nil
}

// Get returns an active story. Inactive stories are reported as ErrNotFound.
func (s *Service) Get(ctx context.Context, storyID string) (Story, error) {
	return s.find(ctx, storyID, true)
}

// Lookup returns a story regardless of its active flag.
func (s *Service) Lookup(ctx context.Context, storyID string) (Story, error) {
	return s.find(ctx, storyID, false)
}

func (s *Service) find(ctx context.Context, storyID string, activeOnly bool) (Story, error) {
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return Story{}, ErrNotFound
	}
	query := s.db.WithContext(ctx).Where("story_id = ?", storyID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var story Story
	err := query.Take(&story).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Story{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, storyField(storyID))
		return Story{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return story, nil
}

// ListPublicActive returns active public stories, newest first.
func (s *Service) ListPublicActive(ctx context.Context, page paging.Page) ([]Story, error) {
	var stories []Story
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND visibility = ?", true, VisibilityPublic).
		Order(orderNewestFirst).
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&stories).Error
	if err != nil {
		s.logError(opListPublic, reasonQueryFailed, err)
		return nil, newServiceError(opListPublic, reasonQueryFailed, err)
	}
	return stories, nil
}

// ListFollowingActive returns active stories owned by anyone the viewer follows, newest first.
func (s *Service) ListFollowingActive(ctx context.Context, viewerID string, page paging.Page) ([]Story, error) {
	var stories []Story
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("owner_id IN (?)", s.db.Table("follows").Select("followed_id").Where("follower_id = ?", viewerID)).
		Order(orderNewestFirst).
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&stories).Error
	if err != nil {
		s.logError(opListFollowing, reasonQueryFailed, err, zap.String("viewer_id", viewerID))
		return nil, newServiceError(opListFollowing, reasonQueryFailed, err)
	}
	return stories, nil
}

// Delete removes the backing blob (best effort) and then the story with its views.
// Callers enforce ownership.
func (s *Service) Delete(ctx context.Context, story Story) error {
	if s.blobs != nil && story.MediaURL != "" {
		if err := s.blobs.Delete(ctx, story.MediaURL); err != nil {
			s.logger.Warn("story media delete failed",
				storyField(story.StoryID),
				zap.String("media_url", story.MediaURL),
				zap.Error(err))
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("story_id = ?", story.StoryID).Delete(&StoryView{}).Error; err != nil {
			return err
		}
		return tx.Where("story_id = ?", story.StoryID).Delete(&Story{}).Error
	})
	if err != nil {
		s.logError(opDelete, reasonDeleteFailed, err, storyField(story.StoryID))
		return newServiceError(opDelete, reasonDeleteFailed, err)
	}
	return nil
}

// RecordView stores the viewer's first view. Repeated calls are no-ops.
func (s *Service) RecordView(ctx context.Context, storyID, viewerID string) error {
	view := StoryView{
		StoryID:        storyID,
		ViewerID:       viewerID,
		ViewedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&view).Error
	if err != nil {
		s.logError(opRecordView, reasonInsertFailed, err, storyField(storyID), zap.String("viewer_id", viewerID))
		return newServiceError(opRecordView, reasonInsertFailed, err)
	}
	return nil
}

// ListViews returns the story's viewers with usernames, newest view first.
func (s *Service) ListViews(ctx context.Context, storyID string) ([]ViewRecord, error) {
	var records []ViewRecord
	err := s.db.WithContext(ctx).
		Table("story_views AS v").
		Select("v.viewer_id AS viewer_id, COALESCE(u.username, '') AS username, v.viewed_at_ms AS viewed_at_ms").
		Joins("LEFT JOIN users u ON u.user_id = v.viewer_id").
		Where("v.story_id = ?", storyID).
		Order("v.viewed_at_ms DESC, v.viewer_id ASC").
		Scan(&records).Error
	if err != nil {
		s.logError(opListViews, reasonQueryFailed, err, storyField(storyID))
		return nil, newServiceError(opListViews, reasonQueryFailed, err)
	}
	return records, nil
}

// ExpireStale deactivates every active story created before cutoff and
// returns how many were flipped.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Story{}).
		Where("is_active = ? AND created_at_ms < ?", true, cutoff.UTC().UnixMilli()).
		Update("is_active", false)
	if result.Error != nil {
		s.logError(opExpireStale, reasonUpdateFailed, result.Error)
		return 0, newServiceError(opExpireStale, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func storyField(storyID string) zap.Field {
	return zap.String("story_id", storyID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("stories service error", attrs...)
}
