// Package notify keeps the live notification feed: it normalizes raw
// channel payloads into Notification records and tracks read state,
// counts, and alert decisions for everything downstream of the
// WebSocket session.
package notify

import (
	"encoding/json"
	"html"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
)

const (
	// displayTextLimit is the rune count a rendered notification text is
	// elided to.
	displayTextLimit = 140

	// fallbackType labels records built from payloads carrying no type
	// of their own.
	fallbackType = "message"
)

// tagPattern matches HTML tags for stripping. Notification bodies carry
// markup like <span class="mention">.
var tagPattern = regexp.MustCompile(`<[^>]+>`)

// Normalize converts one channel event payload into a Notification.
// Payload shapes vary per service: single-element arrays are reduced to
// their first object, `{entity: ...}`-only payloads get the entity
// promoted under data, and a payload that is no object at all still
// yields a minimal record stamped with the event type and the current
// time. selfID is the signed-in user's id for mention matching; empty
// disables it.
func Normalize(event string, payload json.RawMessage, selfID string) models.Notification {
	res := gjson.ParseBytes(payload)

	if res.IsArray() {
		res = firstObject(res)
	}

	if !res.IsObject() {
		return fallbackRecord(event)
	}

	data := res.Get("data")
	if !data.Exists() {
		if entity := res.Get("entity"); entity.Exists() {
			data = gjson.Parse(`{"entity":` + entity.Raw + `}`)
		}
	}

	users := mentionedUsers(data)

	n := models.Notification{
		ID:             idString(res.Get("id")),
		Type:           strings.TrimSpace(stringField(res.Get("type"))),
		Read:           res.Get("read").Bool(),
		CreatedAt:      createdAt(res, data),
		Recipient:      idString(res.Get("recipient")),
		Topic:          stringField(res.Get("topic")),
		Env:            stringField(res.Get("env")),
		Domain:         firstNonEmpty(stringField(data.Get("domain")), stringField(res.Get("domain"))),
		Service:        firstNonEmpty(stringField(data.Get("service")), stringField(res.Get("service"))),
		MentionedMe:    selfID != "" && slices.Contains(users, selfID),
		MentionedUsers: users,
	}

	if data.Exists() {
		n.Data = json.RawMessage(data.Raw)
	}

	if metadata := res.Get("metadata"); metadata.Exists() {
		n.Metadata = json.RawMessage(metadata.Raw)
	}

	return n
}

// fallbackRecord covers payloads that cannot carry fields at all, so a
// trace of the event still lands in the feed.
func fallbackRecord(event string) models.Notification {
	typ := event
	if typ == "" {
		typ = fallbackType
	}

	return models.Notification{
		Type:      typ,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// firstObject picks the first object element of an array payload,
// degrading to an empty object so normalization still proceeds.
func firstObject(arr gjson.Result) gjson.Result {
	for _, el := range arr.Array() {
		if el.IsObject() {
			return el
		}
	}

	return gjson.Parse(`{}`)
}

// createdAt resolves the record timestamp in Unix milliseconds:
// payload.createdAt, then data.timestamp (RFC 3339), then data.date
// (Unix seconds), then the current time.
func createdAt(res, data gjson.Result) int64 {
	if ms := res.Get("createdAt").Int(); ms != 0 {
		return ms
	}

	if ts := strings.TrimSpace(stringField(data.Get("timestamp"))); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t.UnixMilli()
		}
	}

	if secs := data.Get("date").Int(); secs != 0 {
		return secs * 1000
	}

	return time.Now().UnixMilli()
}

// mentionedUsers collects data.entity.mentioned.users as strings. Ids
// arrive as numbers or strings depending on the producing service.
func mentionedUsers(data gjson.Result) []string {
	list := data.Get("entity.mentioned.users")
	if !list.IsArray() {
		return nil
	}

	var users []string

	for _, el := range list.Array() {
		if id := idString(el); id != "" {
			users = append(users, id)
		}
	}

	return users
}

// idString flattens a user or record id to its string form; non-scalar
// values yield "".
func idString(res gjson.Result) string {
	switch res.Type {
	case gjson.String:
		return res.Str
	case gjson.Number:
		return res.String()
	default:
		return ""
	}
}

// stringField returns the value only when it really is a JSON string,
// so objects never leak raw JSON into text fields.
func stringField(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.Str
	}

	return ""
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}

	return b
}

// DisplayText renders notification HTML as one plain-text line: tags
// stripped, entities unescaped, whitespace collapsed, NFC-normalized,
// elided to displayTextLimit runes.
func DisplayText(s string) string {
	if s == "" {
		return ""
	}

	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")
	s = norm.NFC.String(s)

	return elide(s, displayTextLimit)
}

// Message extracts the record's comment text as display text, or ""
// when the record carries none.
func Message(n models.Notification) string {
	return DisplayText(gjson.GetBytes(n.Data, "entity.message").String())
}

func elide(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit-1]) + "…"
}
