package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
)

// PageResult represents a paginated result set
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var (
	ErrInvalidCursor = errors.New("invalid cursor format")
)

// EncodeCursor creates an opaque cursor from a keyset position. Chunk
// listings page by first_message_id, which is unique among a chat's
// live chunks.
func EncodeCursor(afterMessageID int64) string {
	if afterMessageID <= 0 {
		return ""
	}
	raw := strconv.FormatInt(afterMessageID, 10)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes an opaque cursor back into a keyset position.
// An empty cursor means the first page.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}

	afterMessageID, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil || afterMessageID <= 0 {
		return 0, ErrInvalidCursor
	}

	return afterMessageID, nil
}

// CreateNextCursor creates a cursor for the next page based on the last
// item. Returns empty string if there are no more items.
func CreateNextCursor[T any](items []T, limit int, position func(T) int64) string {
	if len(items) == 0 || len(items) < limit {
		return ""
	}
	return EncodeCursor(position(items[len(items)-1]))
}
