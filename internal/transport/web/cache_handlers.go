package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/seasbee/go-logx"

	"github.com/dlmonitor/dlcache/pkg/invalidate"
)

const (
	defaultKeyLimit = 100
	maxKeyLimit     = 1000
)

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "timestamp": timestamp()})
}

func (h *handler) cacheHealth(w http.ResponseWriter, r *http.Request) {
	health := h.inspector.HealthCheck(r.Context())
	writeJSON(w, r, http.StatusOK, health)
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.inspector.Stats(r.Context())
	if stats.Error != "" {
		writeError(w, r, http.StatusServiceUnavailable, "Failed to get cache stats: "+stats.Error)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

type cacheInfo struct {
	Status        string `json:"status"`
	TotalKeys     int64  `json:"total_keys"`
	MemoryUsage   string `json:"memory_usage"`
	StoreVersion  string `json:"redis_version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

func (h *handler) cacheInfo(w http.ResponseWriter, r *http.Request) {
	stats := h.inspector.Stats(r.Context())
	if stats.Error != "" {
		writeError(w, r, http.StatusServiceUnavailable, "Cache service unavailable")
		return
	}
	info := cacheInfo{
		Status:        "healthy",
		TotalKeys:     stats.Keys.TotalKeys,
		MemoryUsage:   stats.Memory.UsedMemoryHuman,
		StoreVersion:  stats.StoreVersion,
		UptimeSeconds: stats.UptimeSeconds,
		Timestamp:     timestamp(),
	}
	if info.MemoryUsage == "" {
		info.MemoryUsage = "0B"
	}
	if info.StoreVersion == "" {
		info.StoreVersion = "unknown"
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (h *handler) cacheKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	limit := defaultKeyLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxKeyLimit {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxKeyLimit))
			return
		}
		limit = n
	}
	writeJSON(w, r, http.StatusOK, h.inspector.ListKeys(r.Context(), pattern, limit))
}

type invalidationRequest struct {
	Pattern       *string `json:"pattern"`
	ContentType   *string `json:"content_type"`
	UserID        *int64  `json:"user_id"`
	InvalidateAll bool    `json:"invalidate_all"`
}

type invalidationResponse struct {
	Success         bool   `json:"success"`
	KeysInvalidated int    `json:"keys_invalidated"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())

	var req invalidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	var (
		count     int
		operation string
	)
	switch {
	case req.InvalidateAll:
		count = h.invalidator.InvalidateAll(ctx)
		operation = "invalidate_all"
	case req.Pattern != nil && *req.Pattern != "":
		count = h.invalidator.InvalidatePattern(ctx, *req.Pattern)
		operation = "pattern:" + *req.Pattern
	case req.ContentType != nil && *req.ContentType != "":
		n, err := h.invalidator.InvalidateCategory(ctx, *req.ContentType)
		if errors.Is(err, invalidate.ErrUnknownCategory) {
			writeError(w, r, http.StatusBadRequest, "Unknown content type: "+*req.ContentType)
			return
		}
		count = n
		operation = "content_type:" + *req.ContentType
	case req.UserID != nil && *req.UserID > 0:
		count = h.invalidator.InvalidateUser(ctx, *req.UserID)
		operation = "user:" + strconv.FormatInt(*req.UserID, 10)
	default:
		writeError(w, r, http.StatusBadRequest, "Must specify one of: pattern, content_type, user_id, or invalidate_all")
		return
	}

	logx.Info("Cache invalidated over HTTP",
		logx.Int("caller_id", int(caller.UserID)),
		logx.String("operation", operation),
		logx.Int("count", count))

	writeJSON(w, r, http.StatusOK, invalidationResponse{
		Success:         true,
		KeysInvalidated: count,
		Message:         fmt.Sprintf("Successfully invalidated %d cache entries (%s)", count, operation),
		Timestamp:       timestamp(),
	})
}

type keyResponse struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	TTL       int64  `json:"ttl"`
	ExpiresAt any    `json:"expires_at"`
	Exists    bool   `json:"exists"`
	Timestamp string `json:"timestamp"`
}

func (h *handler) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "Missing cache key")
		return
	}
	resp := keyResponse{Key: key, TTL: -2, Timestamp: timestamp()}
	if h.cache != nil {
		if value, found := h.cache.Fetch(r.Context(), key); found {
			ttl, at := h.inspector.Expiry(r.Context(), key)
			resp.Value = value
			resp.TTL = ttl
			resp.Exists = true
			if at != nil {
				resp.ExpiresAt = at
			}
		}
	} else if detail, found := h.inspector.Inspect(r.Context(), key); found {
		resp.Value = detail.Value
		resp.TTL = detail.TTL
		resp.Exists = true
		if detail.ExpiresAt != nil {
			resp.ExpiresAt = detail.ExpiresAt
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type deleteKeyResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (h *handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "Missing cache key")
		return
	}
	resp := deleteKeyResponse{Timestamp: timestamp()}
	if h.invalidator.InvalidateKey(r.Context(), key) {
		caller, _ := PrincipalFromContext(r.Context())
		logx.Info("Cache key deleted over HTTP",
			h.obs.KeyField(key),
			logx.Int("caller_id", int(caller.UserID)))
		resp.Success = true
		resp.Message = fmt.Sprintf("Cache key '%s' deleted successfully", key)
	} else {
		resp.Message = fmt.Sprintf("Cache key '%s' not found", key)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// keyParam reads the key from the wildcard segment so keys containing
// slashes survive routing. chi matches against RawPath when it is set,
// so the segment is only unescaped in that case.
func keyParam(r *http.Request) (string, bool) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}
	}
	return key, key != ""
}
