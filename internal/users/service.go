package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the credential subject was not a usable username.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no user exists for the given id.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrSelfFollow indicates a user tried to follow themselves.
	ErrSelfFollow = errors.New("users: cannot follow self")
)

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service manages canonical user identifiers and follow edges.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
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
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// ResolveUserID returns the canonical user id for a verified username.
// It creates the user the first time the username is seen.
func (s *Service) ResolveUserID(ctx context.Context, username string) (string, error) {
	username = normalize(username)
	if username == "" {
		return "", ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(username); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return "", idErr
		}
		candidate := User{
			UserID:           userID,
			Username:         username,
			CreatedAtSeconds: s.now().UTC().Unix(),
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
			Create(&candidate).Error; err != nil {
			return "", err
		}
		if err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
			return "", err
		}
		s.logger.Info("user registered", zap.String("user_id", user.UserID), zap.String("username", username))
	} else if err != nil {
		return "", err
	}

	s.cache.Store(username, user.UserID)
	return user.UserID, nil
}

// Get returns the user for the canonical id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Follow records follower -> followed. Repeating an existing edge is a no-op.
func (s *Service) Follow(ctx context.Context, followerID, followedID string) error {
	followerID, followedID = normalize(followerID), normalize(followedID)
	if followerID == followedID {
		return ErrSelfFollow
	}
	if _, err := s.Get(ctx, followedID); err != nil {
		return err
	}
	edge := Follow{
		FollowerID:       followerID,
		FollowedID:       followedID,
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
}

// Unfollow removes the edge if present.
func (s *Service) Unfollow(ctx context.Context, followerID, followedID string) error {
	return s.db.WithContext(ctx).
		Where("follower_id = ? AND followed_id = ?", normalize(followerID), normalize(followedID)).
		Delete(&Follow{}).Error
}

// IsFollowing reports whether follower -> followed exists.
func (s *Service) IsFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Follow{}).
		Where("follower_id = ? AND followed_id = ?", followerID, followedID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
