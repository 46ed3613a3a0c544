package uspacy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// Directory caches the company user list for display-name and mention
// lookups. Payloads reference users inconsistently, by company id in
// some places and auth id in others, as numbers or strings, so every
// user is indexed under both ids in string form.
type Directory struct {
	logger *slog.Logger

	mu    sync.RWMutex
	byID  map[string]User
	users []User
}

// NewDirectory returns an empty directory.
func NewDirectory(logger *slog.Logger) *Directory {
	return &Directory{
		logger: logger,
		byID:   make(map[string]User),
	}
}

// Refresh replaces the cache with the directory fetched from the API.
func (d *Directory) Refresh(ctx context.Context, client *Client) error {
	users, err := client.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("refreshing user directory: %w", err)
	}

	d.Reload(users)
	d.logger.Info("user directory loaded", slog.Int("users", len(users)))

	return nil
}

// Reload replaces the cache contents with the given user list.
func (d *Directory) Reload(users []User) {
	byID := make(map[string]User, len(users)*2)
	for _, u := range users {
		if id := u.ID.String(); id != "" {
			byID[id] = u
		}

		if id := u.AuthUserID.String(); id != "" {
			byID[id] = u
		}
	}

	d.mu.Lock()
	d.byID = byID
	d.users = users
	d.mu.Unlock()
}

// Lookup finds a user by company id or auth id, in whatever form a
// payload carried it.
func (d *Directory) Lookup(id any) (User, bool) {
	key := idKey(id)
	if key == "" {
		return User{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.byID[key]

	return u, ok
}

// DisplayName renders "First Last" for the given user reference, or ""
// when the user is unknown.
func (d *Directory) DisplayName(id any) string {
	u, ok := d.Lookup(id)
	if !ok {
		return ""
	}

	return u.DisplayName()
}

// All returns a snapshot of the distinct cached users.
func (d *Directory) All() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]User, len(d.users))
	copy(out, d.users)

	return out
}

// Len returns the number of distinct users cached.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.users)
}

// idKey flattens the id forms seen in payloads to the string form used
// as the cache key.
func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		// JSON numbers decoded through any arrive as float64.
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}
