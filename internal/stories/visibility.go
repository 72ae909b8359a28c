package stories

import "context"

// FollowChecker answers whether follower follows followed.
type FollowChecker interface {
	IsFollowing(ctx context.Context, followerID, followedID string) (bool, error)
}

// CanView decides whether viewer may see story. follows reports whether the
// viewer follows the story owner; it only matters for followers-only stories.
func CanView(viewerID string, story Story, follows bool) bool {
	switch story.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityFollowers:
		return viewerID != "" && (viewerID == story.OwnerID || follows)
	default:
		return false
	}
}

// Authorize applies CanView, looking up the follow edge only when it matters.
// It returns ErrForbidden when the viewer may not see the story.
func (s *Service) Authorize(ctx context.Context, viewerID string, story Story) error {
	follows := false
	if story.Visibility == VisibilityFollowers && viewerID != story.OwnerID {
		if s.follows == nil {
			return ErrForbidden
		}
		edge, err := s.follows.IsFollowing(ctx, viewerID, story.OwnerID)
		if err != nil {
			s.logError(opAuthorize, reasonQueryFailed, err, storyField(story.StoryID))
			return newServiceError(opAuthorize, reasonQueryFailed, err)
		}
		follows = edge
	}
	if !CanView(viewerID, story, follows) {
		return ErrForbidden
	}
	return nil
}
