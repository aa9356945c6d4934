// Package cache holds short-lived, viewer-scoped copies of expensive
// response payloads.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const ScopeVideoDetail = "video:detail"

type Params map[string]string

// Entry is immutable once written; recomputation replaces it wholesale.
type Entry struct {
	Payload json.RawMessage `json:"payload"`
	Message string          `json:"message"`
	OwnerID string          `json:"ownerId"`
}

type Result struct {
	Hit   bool
	Value Entry
}

type Cache interface {
	Get(ctx context.Context, scope string, params Params) (Result, error)
	Set(ctx context.Context, scope string, params Params, value Entry, ttl time.Duration) error
}

// Fingerprint derives a stable key for scope and params, independent of
// map iteration order.
func Fingerprint(scope string, params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(params[k]))
		b.WriteByte(';')
	}
	return scope + ":" + strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

// DetailParams builds the key parameters for a video detail read.
func DetailParams(videoID, viewerID, quality string) Params {
	if viewerID == "" {
		viewerID = "anonymous"
	}
	if quality == "" {
		quality = "auto"
	}
	return Params{"videoId": videoID, "viewer": viewerID, "quality": strings.ToLower(quality)}
}
