package domain

import "time"

// User is an identity-directory record. Only DisplayName and Email are
// consumed by the pipeline, for best-effort leaderboard name resolution.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BestName returns the preferred display string for a user: display name,
// then email, then empty.
func (u *User) BestName() string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}
