package uspacy

import (
	"encoding/json"
	"strings"
	"time"
)

// User is a company directory entry. Notification payloads reference
// users by either the company id or the auth id, and serialize both as
// numbers or strings depending on the endpoint, so the ids are kept as
// json.Number.
type User struct {
	ID         json.Number `json:"id"`
	AuthUserID json.Number `json:"authUserId"`
	Email      string      `json:"email"`
	FirstName  string      `json:"firstName"`
	LastName   string      `json:"lastName"`
}

// DisplayName renders "First Last", trimmed. Users with neither name
// set yield "".
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// UserSettings is the slice of the per-user settings payload the
// daemon consumes.
type UserSettings struct {
	Timezone string `json:"timezone"`
}

// Location resolves the settings timezone, falling back to the Uspacy
// default of UTC+2 when it is empty or unknown on this system.
func (s UserSettings) Location() *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}

	return time.FixedZone("UTC+2", 2*60*60)
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// authResponse is the shape shared by the sign-in and refresh
// endpoints. Refresh responses carry no refreshToken.
type authResponse struct {
	JWT             string `json:"jwt"`
	RefreshToken    string `json:"refreshToken"`
	ExpireInSeconds int64  `json:"expireInSeconds"`
}
