package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"feature-materializer/internal/domain"
)

// CycleID computes a deterministic cycle_id using SHA256.
// Formula: SHA256(mode|started_at_ms|sorted symbols joined by ",")
// Returns hex-encoded hash (64 characters).
func CycleID(mode domain.CycleMode, startedAtMs int64, symbols []string) string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	data := fmt.Sprintf("%s|%d|%s",
		string(mode),
		startedAtMs,
		strings.Join(sorted, ","),
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
