package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"comm_dispatch/internal/cache"
	"comm_dispatch/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// viewCache is a read-through cache of communication views. A nil cache disables it;
// Redis errors are logged and treated as misses.
//
// Every entry carries the version counter it was loaded under. invalidate bumps the
// counter, so a view read from the database before a change and written after it
// is never served.
type viewCache struct {
	c      cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

type cachedView struct {
	Version int64                     `json:"v"`
	View    *models.CommunicationView `json:"view"`
}

func newViewCache(c cache.Cache, ttl time.Duration, logger *zap.Logger) *viewCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &viewCache{c: c, ttl: ttl, logger: logger}
}

// version returns the current counter for id. Read it before loading the view
// and pass it to put. ok is false when Redis is unreachable.
func (v *viewCache) version(ctx context.Context, id uuid.UUID) (int64, bool) {
	if v == nil || v.c == nil {
		return 0, false
	}
	b, found, err := v.c.Get(ctx, cache.CommunicationViewVersionKey(id))
	if err != nil {
		v.logger.Warn("communication view version get", zap.String("communication_id", id.String()), zap.Error(err))
		return 0, false
	}
	if !found {
		return 0, true
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v *viewCache) get(ctx context.Context, id uuid.UUID) (*models.CommunicationView, bool) {
	if v == nil || v.c == nil {
		return nil, false
	}
	b, ok, err := v.c.Get(ctx, cache.CommunicationViewKey(id))
	if err != nil {
		v.logger.Warn("communication view cache get", zap.String("communication_id", id.String()), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry cachedView
	if err := json.Unmarshal(b, &entry); err != nil || entry.View == nil {
		return nil, false
	}
	current, ok := v.version(ctx, id)
	if !ok || current != entry.Version {
		return nil, false
	}
	return entry.View, true
}

// put stores view under the version read before it was loaded.
func (v *viewCache) put(ctx context.Context, version int64, view *models.CommunicationView) {
	if v == nil || v.c == nil {
		return
	}
	b, err := json.Marshal(cachedView{Version: version, View: view})
	if err != nil {
		return
	}
	if err := v.c.Set(ctx, cache.CommunicationViewKey(view.ID), b, v.ttl); err != nil {
		v.logger.Warn("communication view cache set", zap.String("communication_id", view.ID.String()), zap.Error(err))
	}
}

func (v *viewCache) invalidate(ctx context.Context, id uuid.UUID) {
	if v == nil || v.c == nil {
		return
	}
	// the counter outlives any entry stamped with an older value
	if _, err := v.c.Incr(ctx, cache.CommunicationViewVersionKey(id), 2*v.ttl); err != nil {
		v.logger.Warn("communication view version bump", zap.String("communication_id", id.String()), zap.Error(err))
	}
	if err := v.c.Del(ctx, cache.CommunicationViewKey(id)); err != nil {
		v.logger.Warn("communication view cache invalidate", zap.String("communication_id", id.String()), zap.Error(err))
	}
}
