package notify

import (
	"cmp"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

// BootstrapEvent is the synthetic event carrying the HTTP notification
// backlog. The daemon dispatches it once after sign-in with the raw
// feed array as payload; live events use their own names.
const BootstrapEvent = "bootstrapNotifications"

const (
	// feedCap bounds the in-memory feed; the oldest records fall off.
	feedCap = 500

	// updateBuffer sizes the Updates channel. Publishes never block, so
	// a consumer this far behind starts losing updates.
	updateBuffer = 64
)

// Store persists the feed across restarts. *state.Store satisfies this
// interface.
type Store interface {
	ReplaceNotifications(items []models.Notification) error
	PutNotification(n models.Notification) error
}

// AlertPolicy decides whether a record may raise a user-facing alert
// right now. *prefs.Store satisfies this interface.
type AlertPolicy interface {
	ShouldAlert(now time.Time) bool
}

// Update is one feed change delivered on Updates.
type Update struct {
	Notification models.Notification

	// Alert reports whether the record warrants alerting the user:
	// unread on arrival and allowed by the alert policy.
	Alert bool
}

// Center is the in-memory notification feed. It implements the channel
// router's Handler: bootstrap events replace the feed, live events are
// normalized and prepended. Reads are safe from any goroutine.
type Center struct {
	logger *slog.Logger
	store  Store
	policy AlertPolicy
	selfID string

	mu    sync.RWMutex
	items []models.Notification

	updates chan Update
}

// NewCenter creates an empty feed. store and policy may be nil: without
// a store the feed is memory-only, without a policy every unread record
// alerts. selfID is the signed-in user's id for mention matching.
func NewCenter(store Store, policy AlertPolicy, selfID string, logger *slog.Logger) *Center {
	return &Center{
		logger:  logger,
		store:   store,
		policy:  policy,
		selfID:  selfID,
		updates: make(chan Update, updateBuffer),
	}
}

// Updates returns the feed change stream.
func (c *Center) Updates() <-chan Update {
	return c.updates
}

// HandleEvent routes one channel event into the feed.
func (c *Center) HandleEvent(event string, payload json.RawMessage) {
	if event == BootstrapEvent {
		c.Bootstrap(payload)
		return
	}

	c.Push(Normalize(event, payload, c.selfID))
}

// Seed loads previously persisted records into the feed. Meant for
// startup, before the session delivers anything.
func (c *Center) Seed(items []models.Notification) {
	items = slices.Clone(items)
	sortByCreatedAtDesc(items)
	items = clampFeed(items)

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
}

// Bootstrap replaces the feed with the given raw backlog array. Records
// already marked read locally stay read: the backend does not track the
// local read state.
func (c *Center) Bootstrap(payload json.RawMessage) {
	arr := gjson.ParseBytes(payload)
	if !arr.IsArray() {
		c.logger.Warn("bootstrap payload is not an array, keeping current feed")
		return
	}

	elems := arr.Array()

	items := make([]models.Notification, 0, len(elems))
	for _, el := range elems {
		items = append(items, Normalize("", json.RawMessage(el.Raw), c.selfID))
	}

	sortByCreatedAtDesc(items)
	items = clampFeed(items)

	c.mu.Lock()
	read := make(map[string]bool, len(c.items))
	for _, n := range c.items {
		if n.Read {
			read[n.Key()] = true
		}
	}

	for i := range items {
		if read[items[i].Key()] {
			items[i].Read = true
		}
	}

	c.items = items
	c.mu.Unlock()

	c.persistReplace()
	c.logger.Info("notification feed bootstrapped", slog.Int("items", len(items)))
}

// Push prepends one record to the feed and publishes it on Updates.
func (c *Center) Push(n models.Notification) {
	c.mu.Lock()
	c.items = clampFeed(slices.Insert(c.items, 0, n))
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.PutNotification(n); err != nil {
			c.logger.Warn("persisting notification failed", slog.String("error", err.Error()))
		}
	}

	c.publish(Update{Notification: n, Alert: !n.Read && c.alertAllowed()})
}

// MarkRead marks the record with the given key as read and reports
// whether it was found.
func (c *Center) MarkRead(key string) bool {
	if key == "" {
		return false
	}

	var (
		found   bool
		changed bool
		record  models.Notification
	)

	c.mu.Lock()
	for i := range c.items {
		if c.items[i].Key() != key {
			continue
		}

		found = true

		if !c.items[i].Read {
			c.items[i].Read = true
			changed = true
			record = c.items[i]
		}

		break
	}
	c.mu.Unlock()

	if changed && c.store != nil {
		if err := c.store.PutNotification(record); err != nil {
			c.logger.Warn("persisting read state failed", slog.String("error", err.Error()))
		}
	}

	return found
}

// MarkAllRead marks every record read and returns how many changed.
func (c *Center) MarkAllRead() int {
	c.mu.Lock()
	changed := 0
	for i := range c.items {
		if !c.items[i].Read {
			c.items[i].Read = true
			changed++
		}
	}
	c.mu.Unlock()

	if changed > 0 {
		c.persistReplace()
	}

	return changed
}

// Items returns a snapshot of the feed, newest first. limit <= 0 means
// all; unreadOnly keeps only unread records.
func (c *Center) Items(limit int, unreadOnly bool) []models.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Notification, 0, len(c.items))

	for _, n := range c.items {
		if unreadOnly && n.Read {
			continue
		}

		out = append(out, n)

		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out
}

// Search returns records whose type, topic, domain, service, or message
// text contains the query, case-insensitively. limit <= 0 means all.
func (c *Center) Search(query string, limit int) []models.Notification {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return c.Items(limit, false)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.Notification

	for _, n := range c.items {
		if !matchesQuery(n, query) {
			continue
		}

		out = append(out, n)

		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out
}

// UnreadCount returns the number of unread records.
func (c *Center) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, n := range c.items {
		if !n.Read {
			count++
		}
	}

	return count
}

// MentionCount returns the number of unread records mentioning the
// signed-in user.
func (c *Center) MentionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, n := range c.items {
		if !n.Read && n.MentionedMe {
			count++
		}
	}

	return count
}

// Len returns the feed size.
func (c *Center) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

func (c *Center) publish(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Warn("updates channel full, dropping update", slog.String("type", u.Notification.Type))
	}
}

func (c *Center) alertAllowed() bool {
	if c.policy == nil {
		return true
	}

	return c.policy.ShouldAlert(time.Now())
}

// persistReplace writes the current feed snapshot through the store.
func (c *Center) persistReplace() {
	if c.store == nil {
		return
	}

	if err := c.store.ReplaceNotifications(c.Items(0, false)); err != nil {
		c.logger.Warn("persisting notification feed failed", slog.String("error", err.Error()))
	}
}

func matchesQuery(n models.Notification, query string) bool {
	for _, field := range []string{n.Type, n.Topic, n.Domain, n.Service, Message(n)} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}

	return false
}

func sortByCreatedAtDesc(items []models.Notification) {
	slices.SortStableFunc(items, func(a, b models.Notification) int {
		return cmp.Compare(b.CreatedAt, a.CreatedAt)
	})
}

func clampFeed(items []models.Notification) []models.Notification {
	if len(items) > feedCap {
		return items[:feedCap]
	}

	return items
}
