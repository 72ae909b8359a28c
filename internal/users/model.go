package users

import "strings"

// User maps a login name to the canonical user id referenced by every other record.
type User struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username         string `gorm:"column:username;size:190;not null;uniqueIndex"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Follow is a directed follower -> followed edge.
type Follow struct {
	FollowerID       string `gorm:"column:follower_id;primaryKey;size:190;not null"`
	FollowedID       string `gorm:"column:followed_id;primaryKey;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing follow edges.
func (Follow) TableName() string {
	return "follows"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
