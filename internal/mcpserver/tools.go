// Package mcpserver registers MCP tools that expose the notification
// feed. It adapts the notify and uspacy packages to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/uspacy-notify/internal/models"
	"github.com/alexjbarnes/uspacy-notify/internal/notify"
	"github.com/alexjbarnes/uspacy-notify/internal/uspacy"
)

const (
	// defaultListLimit bounds notifications_list when the caller gives
	// no limit.
	defaultListLimit = 50

	// defaultSearchLimit bounds notifications_search when the caller
	// gives no limit.
	defaultSearchLimit = 20
)

// RegisterTools adds all notification tools to the given MCP server.
func RegisterTools(server *mcp.Server, center *notify.Center, directory *uspacy.Directory) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "notifications_list",
		Description: "List notifications from the feed, newest first. Returns id, type, extracted message text, read state, and timestamps. Use unread_only to see what currently needs attention.",
	}, listHandler(center))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notifications_unread_count",
		Description: "Count unread notifications, including how many mention the signed-in user. Cheap; call this before listing to decide whether anything needs attention.",
	}, unreadCountHandler(center))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notifications_search",
		Description: "Search notifications by type, topic, domain, service, or message text. Case-insensitive substring match. Returns matching records newest first.",
	}, searchHandler(center))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notifications_mark_read",
		Description: "Mark a notification as read by id, or pass all=true to mark the whole feed read. The read state is local to this machine.",
	}, markReadHandler(center))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "users_list",
		Description: "List the company user directory (id, display name, email). Useful for resolving user ids that appear in notification payloads.",
	}, usersHandler(directory))
}

// --- Input types ---
// The jsonschema tags below feed the SDK's schema inference, so clients
// see parameter descriptions without a hand-written schema.

// ListInput holds parameters for notifications_list.
type ListInput struct {
	Limit      int  `json:"limit,omitempty" jsonschema:"maximum number of records to return, defaults to 50"`
	UnreadOnly bool `json:"unread_only,omitempty" jsonschema:"return only unread notifications"`
}

// UnreadCountInput has no parameters.
type UnreadCountInput struct{}

// SearchInput holds parameters for notifications_search.
type SearchInput struct {
	Query string `json:"query" jsonschema:"required,search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// MarkReadInput holds parameters for notifications_mark_read.
type MarkReadInput struct {
	ID  string `json:"id,omitempty" jsonschema:"notification id to mark as read"`
	All bool   `json:"all,omitempty" jsonschema:"mark every notification read instead of a single id"`
}

// UsersInput has no parameters.
type UsersInput struct{}

// --- Output types ---

// NotificationSummary is the tool-facing view of one feed record. The
// raw payload stays server-side; message text is extracted and
// flattened for display.
type NotificationSummary struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at"`
	Topic       string `json:"topic,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Service     string `json:"service,omitempty"`
	MentionedMe bool   `json:"mentioned_me"`
}

// ListResult is the notifications_list output.
type ListResult struct {
	Notifications []NotificationSummary `json:"notifications"`
	Total         int                   `json:"total"`
	Unread        int                   `json:"unread"`
}

// UnreadCountResult is the notifications_unread_count output.
type UnreadCountResult struct {
	Unread   int `json:"unread"`
	Mentions int `json:"mentions"`
	Total    int `json:"total"`
}

// SearchResult is the notifications_search output.
type SearchResult struct {
	Query         string                `json:"query"`
	TotalMatches  int                   `json:"total_matches"`
	Notifications []NotificationSummary `json:"notifications"`
}

// MarkReadResult is the notifications_mark_read output.
type MarkReadResult struct {
	Marked int `json:"marked"`
}

// UserSummary is the tool-facing view of one directory entry.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// UsersResult is the users_list output.
type UsersResult struct {
	Users []UserSummary `json:"users"`
	Total int           `json:"total"`
}

// --- Handlers ---

func listHandler(center *notify.Center) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		result := &ListResult{
			Notifications: summarize(center.Items(limit, input.UnreadOnly)),
			Total:         center.Len(),
			Unread:        center.UnreadCount(),
		}
		return textResult(result), result, nil
	}
}

func unreadCountHandler(center *notify.Center) mcp.ToolHandlerFor[UnreadCountInput, *UnreadCountResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ UnreadCountInput) (*mcp.CallToolResult, *UnreadCountResult, error) {
		result := &UnreadCountResult{
			Unread:   center.UnreadCount(),
			Mentions: center.MentionCount(),
			Total:    center.Len(),
		}
		return textResult(result), result, nil
	}
}

func searchHandler(center *notify.Center) mcp.ToolHandlerFor[SearchInput, *SearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}

		matches := center.Search(input.Query, limit)
		result := &SearchResult{
			Query:         input.Query,
			TotalMatches:  len(matches),
			Notifications: summarize(matches),
		}
		return textResult(result), result, nil
	}
}

func markReadHandler(center *notify.Center) mcp.ToolHandlerFor[MarkReadInput, *MarkReadResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		if input.All {
			result := &MarkReadResult{Marked: center.MarkAllRead()}
			return textResult(result), result, nil
		}

		if input.ID == "" {
			return nil, nil, fmt.Errorf("either id or all is required")
		}

		if !center.MarkRead(input.ID) {
			return nil, nil, fmt.Errorf("no notification with id %q", input.ID)
		}

		result := &MarkReadResult{Marked: 1}
		return textResult(result), result, nil
	}
}

func usersHandler(directory *uspacy.Directory) mcp.ToolHandlerFor[UsersInput, *UsersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ UsersInput) (*mcp.CallToolResult, *UsersResult, error) {
		all := directory.All()

		users := make([]UserSummary, 0, len(all))
		for _, u := range all {
			users = append(users, UserSummary{
				ID:    u.ID.String(),
				Name:  u.DisplayName(),
				Email: u.Email,
			})
		}

		result := &UsersResult{Users: users, Total: len(users)}
		return textResult(result), result, nil
	}
}

// summarize converts feed records to their tool-facing form. The id is
// the store key so it round-trips into notifications_mark_read even for
// records that arrived without a backend id.
func summarize(items []models.Notification) []NotificationSummary {
	out := make([]NotificationSummary, 0, len(items))

	for _, n := range items {
		out = append(out, NotificationSummary{
			ID:          n.Key(),
			Type:        n.Type,
			Message:     notify.Message(n),
			Read:        n.Read,
			CreatedAt:   time.UnixMilli(n.CreatedAt).UTC().Format(time.RFC3339),
			Topic:       n.Topic,
			Domain:      n.Domain,
			Service:     n.Service,
			MentionedMe: n.MentionedMe,
		})
	}

	return out
}

// textResult renders v as indented JSON text content. Clients that ignore
// structured output still get a readable payload this way.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
