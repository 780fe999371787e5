package router

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/stagecraft/internal/config"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	"github.com/smallbiznis/stagecraft/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Catalog    *config.CatalogHolder
	Providers  []domain.Handle             `group:"staging_providers"`
	ObsMetrics *obsmetrics.ProviderMetrics `optional:"true"`
}

// Router picks a provider per request from the hot-reloadable routing table
// and tracks in-flight dispatches against each provider's capacity.
type Router struct {
	log        *zap.Logger
	catalog    *config.CatalogHolder
	obsMetrics *obsmetrics.ProviderMetrics

	mu        sync.Mutex
	providers map[string]domain.Handle
	inflight  map[string]int
}

func NewRouter(p Params) *Router {
	r := &Router{
		log:        p.Log.Named("provider.router"),
		catalog:    p.Catalog,
		obsMetrics: p.ObsMetrics,
		providers:  make(map[string]domain.Handle),
		inflight:   make(map[string]int),
	}
	for _, h := range p.Providers {
		if !h.Valid() {
			continue
		}
		name := strings.ToLower(h.Name())
		r.providers[name] = h
		r.log.Info("provider registered", zap.String("provider", name), zap.String("kind", string(h.Kind)))
	}
	return r
}

type candidate struct {
	handle   domain.Handle
	name     string
	weight   int
	inflight int
}

// SelectProvider reserves a capacity slot on the chosen provider. Callers
// must call Release with the provider name once dispatch is over.
func (r *Router) SelectProvider(ctx context.Context, rc domain.RequestContext) (domain.Handle, error) {
	routes := r.catalog.Get().Providers
	roomType := strings.ToLower(strings.TrimSpace(rc.RoomType))

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]candidate, 0, len(routes))
	for _, route := range routes {
		name := strings.ToLower(strings.TrimSpace(route.Name))
		handle, ok := r.providers[name]
		if !ok || !route.Enabled {
			continue
		}
		if rc.HasMask && !route.SupportsMask {
			continue
		}
		if len(route.RoomTypes) > 0 && !slices.ContainsFunc(route.RoomTypes, func(rt string) bool {
			return strings.EqualFold(strings.TrimSpace(rt), roomType)
		}) {
			continue
		}
		load := r.inflight[name]
		if route.Capacity > 0 && load >= route.Capacity {
			continue
		}
		candidates = append(candidates, candidate{handle: handle, name: name, weight: route.Weight, inflight: load})
	}

	if len(candidates) == 0 {
		r.obsMetrics.IncNoProvider()
		r.log.Warn("no provider available",
			zap.String("room_type", roomType),
			zap.Bool("has_mask", rc.HasMask),
		)
		return domain.Handle{}, domain.ErrNoProviderAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.inflight != b.inflight {
			return a.inflight < b.inflight
		}
		return a.name < b.name
	})

	chosen := candidates[0]
	r.inflight[chosen.name]++
	r.obsMetrics.SetInflight(chosen.name, r.inflight[chosen.name])
	return chosen.handle, nil
}

func (r *Router) Release(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[name] > 0 {
		r.inflight[name]--
	}
	r.obsMetrics.SetInflight(name, r.inflight[name])
}

// Lookup resolves a provider by the name stored on a job, regardless of
// whether routing currently enables it.
func (r *Router) Lookup(name string) (domain.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domain.Handle{}, domain.ErrProviderNotFound
	}
	return handle, nil
}

func (r *Router) Inflight(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[strings.ToLower(strings.TrimSpace(name))]
}
