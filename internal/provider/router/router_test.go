package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/stagecraft/internal/config"
	"github.com/smallbiznis/stagecraft/internal/provider/domain"
	"github.com/smallbiznis/stagecraft/internal/provider/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSync struct{ name string }

func (f fakeSync) Name() string                           { return f.name }
func (f fakeSync) EstimatedProcessingTime() time.Duration { return time.Second }
func (f fakeSync) StageImageSync(context.Context, domain.StageRequest) (domain.SyncResult, error) {
	return domain.SyncResult{}, nil
}

type fakeAsync struct{ name string }

func (f fakeAsync) Name() string                           { return f.name }
func (f fakeAsync) EstimatedProcessingTime() time.Duration { return time.Second }
func (f fakeAsync) StageImageAsync(context.Context, domain.StageRequest) (string, error) {
	return "id", nil
}
func (f fakeAsync) GetPredictionStatus(context.Context, string) (domain.PredictionStatus, error) {
	return domain.PredictionStatus{State: domain.PredictionProcessing}, nil
}

func newRouter(routes ...config.ProviderRoute) *router.Router {
	return router.NewRouter(router.Params{
		Log:     zap.NewNop(),
		Catalog: config.NewStaticCatalogHolder(config.Catalog{Providers: routes}),
		Providers: []domain.Handle{
			domain.NewSyncHandle(fakeSync{name: "openai"}),
			domain.NewAsyncHandle(fakeAsync{name: "replicate"}),
			{},
		},
	})
}

func TestSelectProviderPrefersWeight(t *testing.T) {
	r := newRouter(
		config.ProviderRoute{Name: "openai", Enabled: true, Weight: 50},
		config.ProviderRoute{Name: "replicate", Enabled: true, Weight: 100},
	)

	h, err := r.SelectProvider(context.Background(), domain.RequestContext{RoomType: "bedroom"})
	require.NoError(t, err)
	assert.Equal(t, domain.KindAsync, h.Kind)
	assert.Equal(t, "replicate", h.Name())
	assert.Equal(t, 1, r.Inflight("replicate"))

	r.Release("replicate")
	assert.Equal(t, 0, r.Inflight("replicate"))
}

func TestSelectProviderFiltersFeatures(t *testing.T) {
	r := newRouter(
		config.ProviderRoute{Name: "openai", Enabled: true, Weight: 100, RoomTypes: []string{"kitchen"}},
		config.ProviderRoute{Name: "replicate", Enabled: true, Weight: 10, SupportsMask: true},
	)

	h, err := r.SelectProvider(context.Background(), domain.RequestContext{RoomType: "Kitchen"})
	require.NoError(t, err)
	assert.Equal(t, "openai", h.Name())

	h, err = r.SelectProvider(context.Background(), domain.RequestContext{RoomType: "bedroom"})
	require.NoError(t, err)
	assert.Equal(t, "replicate", h.Name())

	h, err = r.SelectProvider(context.Background(), domain.RequestContext{RoomType: "kitchen", HasMask: true})
	require.NoError(t, err)
	assert.Equal(t, "replicate", h.Name())
}

func TestSelectProviderRespectsCapacity(t *testing.T) {
	r := newRouter(
		config.ProviderRoute{Name: "openai", Enabled: true, Weight: 100, Capacity: 1},
		config.ProviderRoute{Name: "replicate", Enabled: true, Weight: 10, Capacity: 1},
	)

	first, err := r.SelectProvider(context.Background(), domain.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "openai", first.Name())

	second, err := r.SelectProvider(context.Background(), domain.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "replicate", second.Name())

	_, err = r.SelectProvider(context.Background(), domain.RequestContext{})
	assert.ErrorIs(t, err, domain.ErrNoProviderAvailable)

	r.Release("openai")
	again, err := r.SelectProvider(context.Background(), domain.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "openai", again.Name())
}

func TestSelectProviderTieBreaksOnLoadThenName(t *testing.T) {
	r := newRouter(
		config.ProviderRoute{Name: "replicate", Enabled: true, Weight: 10},
		config.ProviderRoute{Name: "openai", Enabled: true, Weight: 10},
	)

	first, err := r.SelectProvider(context.Background(), domain.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "openai", first.Name())

	second, err := r.SelectProvider(context.Background(), domain.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "replicate", second.Name())
}

func TestSelectProviderNoneEnabled(t *testing.T) {
	r := newRouter(
		config.ProviderRoute{Name: "openai", Enabled: false, Weight: 100},
		config.ProviderRoute{Name: "unknown", Enabled: true, Weight: 100},
	)
	_, err := r.SelectProvider(context.Background(), domain.RequestContext{})
	assert.ErrorIs(t, err, domain.ErrNoProviderAvailable)
}

func TestLookupIgnoresRouting(t *testing.T) {
	r := newRouter(config.ProviderRoute{Name: "replicate", Enabled: false})

	h, err := r.Lookup("Replicate")
	require.NoError(t, err)
	assert.Equal(t, domain.KindAsync, h.Kind)

	_, err = r.Lookup("midjourney")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestSelectProviderConcurrentCapacity(t *testing.T) {
	r := newRouter(config.ProviderRoute{Name: "openai", Enabled: true, Weight: 1, Capacity: 3})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.SelectProvider(context.Background(), domain.RequestContext{}); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, granted)
}
