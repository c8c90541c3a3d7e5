package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier such as "ver_3f2a...".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// ParseID reports the prefix of an identifier built by NewID.
func ParseID(id string) (prefix string, ok bool) {
	idx := strings.LastIndexByte(id, '_')
	if idx <= 0 {
		return "", false
	}
	if _, err := uuid.Parse(id[idx+1:]); err != nil {
		return "", false
	}
	return id[:idx], true
}
