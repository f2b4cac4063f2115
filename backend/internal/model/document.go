package model

import (
	"sort"
	"time"
	"unicode/utf8"
)

// MaxDocumentIDLength bounds document ids in characters; the archive table
// stores them in a varchar of this width.
const MaxDocumentIDLength = 128

// ValidDocumentID reports whether id is non-empty and within
// MaxDocumentIDLength characters.
func ValidDocumentID(id string) bool {
	return id != "" && utf8.RuneCountInString(id) <= MaxDocumentIDLength
}

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// TextOperation is one atomic edit. Positions and lengths count runes.
type TextOperation struct {
	Kind     OpKind `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`   // insert only
	Length   int    `json:"length,omitempty"` // delete only
	AuthorID string `json:"authorId"`
	// unix millis, stamped by the server that accepted the edit
	Timestamp int64 `json:"timestamp"`
}

// CursorPosition is last-write-wins per user.
type CursorPosition struct {
	UserID      string `json:"userId"`
	Position    int    `json:"position"`
	DisplayName string `json:"displayName"`
}

// DocumentState is a point-in-time copy of a live document, safe to hand to
// other goroutines. Cursors and ActiveUsers are sorted by user id.
type DocumentState struct {
	DocumentID       string           `json:"documentId"`
	Content          string           `json:"content"`
	Version          uint64           `json:"version"`
	RecentOperations []TextOperation  `json:"recentOperations"`
	ActiveUsers      []string         `json:"activeUsers"`
	Cursors          []CursorPosition `json:"cursors"`
	LastAccessedAt   time.Time        `json:"lastAccessedAt"`
}

// Snapshot is the serialized form persisted to the backing store.
type Snapshot struct {
	Content          string                    `json:"content"`
	Version          uint64                    `json:"version"`
	RecentOperations []TextOperation           `json:"recentOperations"`
	ActiveUsers      []string                  `json:"activeUsers"`
	Cursors          map[string]CursorPosition `json:"cursors"`
	LastAccessedAt   int64                     `json:"lastAccessedAt"` // unix millis
}

// Idle reports whether a persisted document is eligible for eviction.
func (s *Snapshot) Idle(now time.Time, threshold time.Duration) bool {
	if len(s.ActiveUsers) > 0 {
		return false
	}
	return now.Sub(time.UnixMilli(s.LastAccessedAt)) > threshold
}

// SortedCursors flattens a cursor map into a slice ordered by user id.
func SortedCursors(m map[string]CursorPosition) []CursorPosition {
	out := make([]CursorPosition, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SortedUsers flattens a user set into a sorted slice.
func SortedUsers(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for u := range m {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
