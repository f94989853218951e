// Package registry serves the model catalog behind /v1/models. The list
// comes from the live page, is filtered against the configured exclusion
// list and cached for a short TTL so listing calls do not touch the
// browser on every hit.
package registry

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

const (
	listTTL  = 5 * time.Minute
	cacheKey = "model-list"
)

// ModelInfo is one catalog entry in OpenAI list format.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Registry caches the upstream model list.
type Registry struct {
	cfg      *config.Config
	page     interfaces.PageController
	cache    *cache.Cache
	excluded map[string]bool
	created  int64
}

func New(cfg *config.Config, page interfaces.PageController) *Registry {
	excluded := make(map[string]bool, len(cfg.ExcludedModels))
	for _, id := range cfg.ExcludedModels {
		excluded[util.NormalizeModelID(id)] = true
	}
	return &Registry{
		cfg:      cfg,
		page:     page,
		cache:    cache.New(listTTL, 2*listTTL),
		excluded: excluded,
		created:  time.Now().Unix(),
	}
}

// List returns the filtered catalog, refetching from the page when the
// cached copy expired. When the live list is unavailable the configured
// default model is served and nothing is cached, so the next call
// retries.
func (r *Registry) List(ctx context.Context) []ModelInfo {
	if v, ok := r.cache.Get(cacheKey); ok {
		return v.([]ModelInfo)
	}

	ids, err := r.page.ListModels(ctx)
	if err != nil {
		log.Warnf("registry: live model list unavailable, serving default entry: %v", err)
		return r.fallback()
	}

	models := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		if id == "" || r.excluded[util.NormalizeModelID(id)] {
			continue
		}
		models = append(models, r.entry(id))
	}
	if len(models) == 0 {
		log.Warn("registry: upstream returned no usable models, serving default entry")
		return r.fallback()
	}

	r.cache.Set(cacheKey, models, cache.DefaultExpiration)
	return models
}

// Invalidate drops the cached list; the next List call refetches. Called
// after a successful rotation since pools may differ in model access.
func (r *Registry) Invalidate() {
	r.cache.Delete(cacheKey)
}

func (r *Registry) entry(id string) ModelInfo {
	return ModelInfo{
		ID:      id,
		Object:  "model",
		Created: r.created,
		OwnedBy: "google",
	}
}

func (r *Registry) fallback() []ModelInfo {
	id := r.cfg.DefaultModel
	if id == "" {
		id = "gemini-2.5-pro"
	}
	return []ModelInfo{r.entry(id)}
}
