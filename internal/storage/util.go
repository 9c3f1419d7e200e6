package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultPageSize = 20

// generateID generates a new UUID
func generateID() string {
	return uuid.New().String()
}

// generateAPIKey generates a new API key
func generateAPIKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return fmt.Sprintf("pv_key_%s", hex.EncodeToString(b))
}

// hashAPIKey hashes an API key for storage
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func pageSize(p PaginationParams) int {
	if p.Limit <= 0 || p.Limit > 100 {
		return defaultPageSize
	}
	return p.Limit
}

// Cursors are opaque to callers: base64 of "<started_at RFC3339Nano>|<id>".
func encodeCursor(a Attempt) string {
	raw := a.StartedAt.UTC().Format(time.RFC3339Nano) + "|" + a.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	return t, id, nil
}

func paginate(attempts []Attempt, limit int) *PaginatedResult[Attempt] {
	result := &PaginatedResult[Attempt]{Data: attempts}
	if len(attempts) > limit {
		result.Data = attempts[:limit]
		result.HasMore = true
		result.NextCursor = encodeCursor(result.Data[limit-1])
	}
	return result
}

func marshalTimestamps(ts []time.Time) string {
	if len(ts) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ts)
	return string(b)
}

func unmarshalTimestamps(raw string) []time.Time {
	if raw == "" {
		return nil
	}
	var ts []time.Time
	if err := json.Unmarshal([]byte(raw), &ts); err != nil {
		return nil
	}
	return ts
}
