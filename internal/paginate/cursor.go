package paginate

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// CursorExpiredError means a page token no longer reaches a cached result
// snapshot. Corrupt or stale tokens always map here; the manager never
// silently restarts the underlying query, because a re-run could return a
// different result set mid-iteration.
type CursorExpiredError struct {
	Reason string
}

func (e *CursorExpiredError) Error() string {
	return "page token expired: " + e.Reason + "; restart the call without a token"
}

// cursor encodes the position of a pagination token over a frozen result
// snapshot. Capture identifies the exact capture the cursor was issued
// against; if the key is re-captured, cursors from the old capture expire
// rather than reading a different result set mid-iteration. Clients treat
// the encoded form as opaque.
type cursor struct {
	Key      string `json:"k"`
	Offset   int    `json:"o"`
	PageSize int    `json:"s"`
	Capture  int64  `json:"c"`
	IssuedAt int64  `json:"t"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(token string) (cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, &CursorExpiredError{Reason: "malformed token"}
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, &CursorExpiredError{Reason: "malformed token"}
	}
	if c.Key == "" || c.PageSize <= 0 || c.Offset < 0 || c.Capture <= 0 {
		return cursor{}, &CursorExpiredError{Reason: "malformed token"}
	}
	return c, nil
}

func newCursor(key string, offset, pageSize int, capture int64) string {
	return encodeCursor(cursor{Key: key, Offset: offset, PageSize: pageSize, Capture: capture, IssuedAt: time.Now().Unix()})
}
