package store

import (
	"fmt"
	"strings"
)

// Key layout:
// - docKey(docID): document snapshot JSON (String, TTL refreshed on every write)

const (
	keyDocFmt     = "doc:%s"
	keyDocPrefix  = "doc:"
	keyDocPattern = "doc:*"
)

func docKey(docID string) string { return fmt.Sprintf(keyDocFmt, docID) }

func docIDFromKey(key string) string { return strings.TrimPrefix(key, keyDocPrefix) }
