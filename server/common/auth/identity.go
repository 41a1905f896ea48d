package auth

import (
	"errors"
	"strings"
)

var ErrNoIdentity = errors.New("identity required")

// Identity is the user record issued by the web app session. Email is the
// presence key.
type Identity struct {
	ID    string `json:"id" msgpack:"id"`
	Name  string `json:"name" msgpack:"name"`
	Email string `json:"email" msgpack:"email"`
	Image string `json:"image,omitempty" msgpack:"image"`
}

func (i Identity) Normalize() Identity {
	return Identity{
		ID:    strings.TrimSpace(i.ID),
		Name:  strings.TrimSpace(i.Name),
		Email: strings.ToLower(strings.TrimSpace(i.Email)),
		Image: strings.TrimSpace(i.Image),
	}
}

func (i Identity) Valid() bool {
	return strings.TrimSpace(i.Email) != ""
}

// UserKey is the identifier used for note cursors: the user id when known,
// the email otherwise.
func (i Identity) UserKey() string {
	if i.ID != "" {
		return i.ID
	}
	return i.Email
}
