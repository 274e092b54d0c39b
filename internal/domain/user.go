// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxEmailLen = 254
	MaxNameLen  = 64
)

var (
	ErrInvalidUserInfo = errors.New("invalid user info")
	ErrEmailTooLong    = errors.New("email too long")
	ErrNameTooLong     = errors.New("name too long")
)

type (
	// ConnID is unique per live connection, not per user.
	ConnID string
	RoomID string
)

// UserInfo is what a client self-declares when joining a room.
// IsOwner is a client claim; broadcast authorization never trusts it alone.
type UserInfo struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	IsOwner bool   `json:"isOwner"`
}

func (u UserInfo) Validate() error {
	if u.Email == "" || u.Name == "" {
		return ErrInvalidUserInfo
	}
	if len(u.Email) > MaxEmailLen {
		return ErrEmailTooLong
	}
	if len(u.Name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// Member is one participant in one room. Email is the identity key within
// a room: a rejoin with the same email replaces the prior entry.
type Member struct {
	ID      ConnID `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	IsOwner bool   `json:"isOwner"`
}

// NewMember keeps construction obvious and validation in one place.
func NewMember(id ConnID, info UserInfo) (*Member, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &Member{
		ID:      id,
		Email:   info.Email,
		Name:    info.Name,
		IsOwner: info.IsOwner,
	}, nil
}
