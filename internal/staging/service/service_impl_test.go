package service_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/stagecraft/internal/clock"
	"github.com/smallbiznis/stagecraft/internal/config"
	creditdomain "github.com/smallbiznis/stagecraft/internal/credit/domain"
	creditrepository "github.com/smallbiznis/stagecraft/internal/credit/repository"
	creditservice "github.com/smallbiznis/stagecraft/internal/credit/service"
	providerdomain "github.com/smallbiznis/stagecraft/internal/provider/domain"
	"github.com/smallbiznis/stagecraft/internal/provider/router"
	"github.com/smallbiznis/stagecraft/internal/staging/domain"
	"github.com/smallbiznis/stagecraft/internal/staging/repository"
	"github.com/smallbiznis/stagecraft/internal/staging/service"
	storagedomain "github.com/smallbiznis/stagecraft/internal/storage/domain"
	"github.com/smallbiznis/stagecraft/internal/storage/inline"
	storagemock "github.com/smallbiznis/stagecraft/internal/storage/mock"
	"github.com/smallbiznis/stagecraft/internal/testutil"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type syncStub struct {
	result providerdomain.SyncResult
	err    error
	calls  atomic.Int32
	images [][]byte
	mu     sync.Mutex
	// onCall runs inside StageImageSync before it returns.
	onCall func()
}

func (s *syncStub) Name() string                           { return "openai" }
func (s *syncStub) EstimatedProcessingTime() time.Duration { return 45 * time.Second }
func (s *syncStub) StageImageSync(_ context.Context, req providerdomain.StageRequest) (providerdomain.SyncResult, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.images = append(s.images, req.Image)
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall()
	}
	return s.result, s.err
}

type asyncStub struct {
	mu           sync.Mutex
	predictionID string
	submitErr    error
	status       providerdomain.PredictionStatus
	statusErr    error
	submits      atomic.Int32
	polls        atomic.Int32
	lastRequest  providerdomain.StageRequest
}

func (a *asyncStub) Name() string                           { return "replicate" }
func (a *asyncStub) EstimatedProcessingTime() time.Duration { return 30 * time.Second }
func (a *asyncStub) StageImageAsync(_ context.Context, req providerdomain.StageRequest) (string, error) {
	a.submits.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRequest = req
	return a.predictionID, a.submitErr
}
func (a *asyncStub) GetPredictionStatus(_ context.Context, _ string) (providerdomain.PredictionStatus, error) {
	a.polls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.statusErr
}
func (a *asyncStub) set(status providerdomain.PredictionStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	credit creditdomain.Service
	svc    domain.Service
	sync   *syncStub
	async  *asyncStub
}

type fixtureOptions struct {
	routes       []config.ProviderRoute
	storage      storagedomain.Storage
	cost         int64
	maxInline    int64
	pollCacheTTL time.Duration
}

func syncRoute() config.ProviderRoute {
	return config.ProviderRoute{Name: "openai", Enabled: true, Weight: 100}
}

func asyncRoute() config.ProviderRoute {
	return config.ProviderRoute{Name: "replicate", Enabled: true, Weight: 100, SupportsMask: true}
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	creditSvc := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  creditrepository.Provide(),
	})

	syncP := &syncStub{result: providerdomain.SyncResult{ImageData: tinyPNG(t), MimeType: "image/png"}}
	asyncP := &asyncStub{predictionID: "pred-1", status: providerdomain.PredictionStatus{State: providerdomain.PredictionProcessing}}

	if opts.storage == nil {
		opts.storage = inline.New()
	}
	if opts.cost == 0 {
		opts.cost = 2
	}
	if opts.maxInline == 0 {
		opts.maxInline = 2 << 20
	}

	cfg := config.Config{
		Staging: config.StagingConfig{
			CreditsPerStaging:   opts.cost,
			MaxImageBytes:       1 << 20,
			MaxInlineImageBytes: opts.maxInline,
			PrimaryLockTTL:      time.Second,
			DownloadTimeout:     5 * time.Second,
			PollCacheTTL:        opts.pollCacheTTL,
		},
		Storage: config.StorageConfig{Bucket: "bucket", Prefix: "staging"},
	}

	r := router.NewRouter(router.Params{
		Log:     log,
		Catalog: config.NewStaticCatalogHolder(config.Catalog{Providers: opts.routes}),
		Providers: []providerdomain.Handle{
			providerdomain.NewSyncHandle(syncP),
			providerdomain.NewAsyncHandle(asyncP),
		},
	})

	svc := service.NewService(service.Params{
		DB:      db,
		Log:     log,
		Cfg:     cfg,
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Credit:  creditSvc,
		Router:  r,
		Storage: opts.storage,
	})

	return &fixture{db: db, node: node, clock: clk, credit: creditSvc, svc: svc, sync: syncP, async: asyncP}
}

func (f *fixture) personal(t *testing.T, credits int64) snowflake.ID {
	t.Helper()
	accountID := f.node.Generate()
	_, err := f.credit.Reset(context.Background(), accountID, credits, creditdomain.TxMeta{})
	require.NoError(t, err)
	return accountID
}

func (f *fixture) available(t *testing.T, accountID snowflake.ID) int64 {
	t.Helper()
	balance, err := f.credit.CheckAvailable(context.Background(), accountID)
	require.NoError(t, err)
	return balance.Available
}

func (f *fixture) deductions(t *testing.T, jobID string, expected int64) {
	t.Helper()
	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'staging_deduction' AND reference_id = ?",
		expected, jobID)
}

func (f *fixture) job(t *testing.T, id string) domain.Job {
	t.Helper()
	var job domain.Job
	require.NoError(t, f.db.Raw("SELECT * FROM staging_jobs WHERE id = ?", id).Scan(&job).Error)
	return job
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	img.Set(1, 1, color.NRGBA{G: 180, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func createRequest(t *testing.T, accountID snowflake.ID) domain.CreateRequest {
	return domain.CreateRequest{
		AccountID: accountID,
		RoomType:  "living_room",
		Style:     "modern",
		Image:     tinyPNG(t),
		MimeType:  "image/png",
	}
}

func TestCreateSyncCompletesAndDebits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, resp.Status)
	require.NotNil(t, resp.StagedImageURL)
	assert.True(t, strings.HasPrefix(*resp.StagedImageURL, "data:image/png;base64,"))
	assert.True(t, strings.HasPrefix(resp.OriginalImageURL, "data:image/png;base64,"))
	assert.Equal(t, "openai", resp.Provider)
	assert.Nil(t, resp.Error)
	assert.True(t, resp.IsPrimaryVersion)
	assert.Equal(t, 4, resp.Progress.StepNumber)
	assert.Zero(t, resp.EstimatedTimeRemaining)
	require.NotNil(t, resp.CompletedAt)

	assert.Equal(t, int64(8), f.available(t, accountID))
	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM credit_transactions WHERE type = 'staging_deduction' AND reference_id = ? AND amount = -2",
		1, resp.JobID)
	assert.Equal(t, int32(1), f.sync.calls.Load())
}

func TestCreateSyncSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sync.onCall = cancel

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, domain.StatusCompleted, resp.Status)
	job := f.job(t, resp.JobID)
	assert.Equal(t, domain.StatusCompleted, job.Status)
	require.NotNil(t, job.StagedImageURL)
	assert.Equal(t, int64(8), f.available(t, accountID))
	f.deductions(t, resp.JobID, 1)
}

func TestCreateSyncFailureAfterCallerCancellationIsRecorded(t *testing.T) {
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sync.onCall = cancel
	f.sync.err = errors.New("upstream reset")

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)

	job := f.job(t, resp.JobID)
	assert.Equal(t, domain.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, int64(10), f.available(t, accountID))
	f.deductions(t, resp.JobID, 0)
}

func TestCreateRejectsInsufficientCreditsBeforeRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 1)

	_, err := f.svc.Create(ctx, createRequest(t, accountID))
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)

	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM staging_jobs", 0)
	assert.Equal(t, int64(1), f.available(t, accountID))
	assert.Zero(t, f.sync.calls.Load())
}

func TestCreateRejectsTeamMemberOverAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}, cost: 5})
	owner := f.node.Generate()
	member := f.node.Generate()

	org, err := f.credit.ProvisionPool(ctx, owner, "Acme Realty", 100, creditdomain.TxMeta{})
	require.NoError(t, err)
	_, err = f.credit.AddMember(ctx, org.ID, member, creditdomain.RoleMember)
	require.NoError(t, err)
	_, err = f.credit.Allocate(ctx, creditdomain.AllocateRequest{OwnerAccountID: owner, MemberAccountID: member, Amount: 50})
	require.NoError(t, err)
	require.NoError(t, f.db.Exec("UPDATE organization_members SET used_credits = 48 WHERE account_id = ?", member).Error)

	_, err = f.svc.Create(ctx, createRequest(t, member))
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM staging_jobs", 0)
	assert.Equal(t, int64(2), f.available(t, member))
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	tests := []struct {
		name   string
		mutate func(*domain.CreateRequest)
		want   error
	}{
		{name: "room type", mutate: func(r *domain.CreateRequest) { r.RoomType = "garage" }, want: domain.ErrInvalidRoomType},
		{name: "style", mutate: func(r *domain.CreateRequest) { r.Style = "baroque" }, want: domain.ErrInvalidStyle},
		{name: "mime", mutate: func(r *domain.CreateRequest) { r.MimeType = "image/gif" }, want: domain.ErrUnsupportedMimeType},
		{name: "empty image", mutate: func(r *domain.CreateRequest) { r.Image = nil }, want: domain.ErrInvalidRequest},
		{name: "too large", mutate: func(r *domain.CreateRequest) { r.Image = make([]byte, 2<<20) }, want: domain.ErrImageTooLarge},
		{name: "no account", mutate: func(r *domain.CreateRequest) { r.AccountID = 0 }, want: domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest(t, accountID)
			tt.mutate(&req)
			_, err := f.svc.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM staging_jobs", 0)
}

func TestCreateWithoutProviderFailsBeforeRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{{Name: "openai", Enabled: false}}})
	accountID := f.personal(t, 10)

	_, err := f.svc.Create(ctx, createRequest(t, accountID))
	assert.ErrorIs(t, err, providerdomain.ErrNoProviderAvailable)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM staging_jobs", 0)
}

func TestCreateSyncProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	f.sync.err = providerdomain.NewFailure("openai", "Your request was rejected by the safety system.")
	accountID := f.personal(t, 10)

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Your request was rejected by the safety system.", *resp.Error)
	assert.Nil(t, resp.StagedImageURL)
	assert.Equal(t, 0, resp.Progress.StepNumber)

	f.deductions(t, resp.JobID, 0)
	assert.Equal(t, int64(10), f.available(t, accountID))
}

func TestCreateSyncTransientFailureUsesGenericMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	f.sync.err = errors.New("dial tcp: connection refused")
	accountID := f.personal(t, 10)

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.MessageGeneric, *resp.Error)
	f.deductions(t, resp.JobID, 0)
}

func TestCreateFallsBackToInlineWhenUploadFails(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := storagemock.NewMockStorage(ctrl)
	store.EXPECT().
		Upload(gomock.Any(), "bucket", gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", errors.New("bucket unreachable")).
		Times(2)

	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}, storage: store})
	accountID := f.personal(t, 10)

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.True(t, strings.HasPrefix(resp.OriginalImageURL, "data:"))
	require.NotNil(t, resp.StagedImageURL)
	assert.True(t, strings.HasPrefix(*resp.StagedImageURL, "data:"))
	f.deductions(t, resp.JobID, 1)
}

func TestCreateFailsWhenUploadFailsAboveInlineLimit(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := storagemock.NewMockStorage(ctrl)
	store.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", errors.New("bucket unreachable")).
		Times(1)

	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}, storage: store, maxInline: 8})
	accountID := f.personal(t, 10)

	resp, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.MessageGeneric, *resp.Error)
	assert.Zero(t, f.sync.calls.Load())
	assert.Equal(t, int64(10), f.available(t, accountID))
}

func outputServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAsyncJobPollsToCompletion(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := storagemock.NewMockStorage(ctrl)
	store.EXPECT().
		Upload(gomock.Any(), "bucket", gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, key string, _ []byte, _ string) (string, error) {
			return "https://cdn.test/" + key, nil
		}).
		Times(2)

	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{asyncRoute()}, storage: store})
	accountID := f.personal(t, 10)
	server := outputServer(t, tinyPNG(t))

	created, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, created.Status)
	assert.Equal(t, 3, created.Progress.StepNumber)
	assert.Equal(t, int64(30), created.EstimatedTimeRemaining)
	assert.True(t, strings.HasPrefix(f.async.lastRequest.ImageURL, "https://cdn.test/staging/"))
	job := f.job(t, created.JobID)
	require.NotNil(t, job.ExternalID)
	assert.Equal(t, "pred-1", *job.ExternalID)
	f.deductions(t, created.JobID, 0)

	jobID, err := snowflake.ParseString(created.JobID)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	first, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, first.Status)
	assert.Equal(t, int64(20), first.EstimatedTimeRemaining)
	f.deductions(t, created.JobID, 0)

	f.async.set(providerdomain.PredictionStatus{State: providerdomain.PredictionSucceeded, OutputURL: server.URL + "/out.png"})
	second, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, second.Status)
	require.NotNil(t, second.StagedImageURL)
	assert.True(t, strings.HasPrefix(*second.StagedImageURL, "https://cdn.test/staging/"))
	f.deductions(t, created.JobID, 1)
	assert.Equal(t, int64(8), f.available(t, accountID))

	var wg sync.WaitGroup
	results := make([]domain.StatusResponse, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.GetStatus(ctx, accountID, jobID)
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()
	for _, resp := range results {
		assert.Equal(t, second, resp)
	}
	f.deductions(t, created.JobID, 1)
	assert.Equal(t, int64(8), f.available(t, accountID))
	assert.Equal(t, int32(2), f.async.polls.Load())
}

func TestConcurrentPollsDebitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{asyncRoute()}})
	accountID := f.personal(t, 10)
	server := outputServer(t, tinyPNG(t))

	created, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	jobID, err := snowflake.ParseString(created.JobID)
	require.NoError(t, err)

	f.async.set(providerdomain.PredictionStatus{State: providerdomain.PredictionSucceeded, OutputURL: server.URL + "/out.png"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GetStatus(ctx, accountID, jobID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	f.deductions(t, created.JobID, 1)
	assert.Equal(t, int64(8), f.available(t, accountID))
}

func TestAsyncProviderFailureDoesNotDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{asyncRoute()}})
	accountID := f.personal(t, 10)

	created, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	jobID, err := snowflake.ParseString(created.JobID)
	require.NoError(t, err)

	f.async.set(providerdomain.PredictionStatus{State: providerdomain.PredictionFailed, Error: "NSFW content detected"})
	resp, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NSFW content detected", *resp.Error)

	again, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.Equal(t, int32(1), f.async.polls.Load())
	f.deductions(t, created.JobID, 0)
	assert.Equal(t, int64(10), f.available(t, accountID))
}

func TestAsyncOutputKeepsProviderURLWhenDownloadFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{asyncRoute()}})
	accountID := f.personal(t, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	created, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	jobID, err := snowflake.ParseString(created.JobID)
	require.NoError(t, err)

	outputURL := server.URL + "/expired.png"
	f.async.set(providerdomain.PredictionStatus{State: providerdomain.PredictionSucceeded, OutputURL: outputURL})
	resp, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
	require.NotNil(t, resp.StagedImageURL)
	assert.Equal(t, outputURL, *resp.StagedImageURL)
	f.deductions(t, created.JobID, 1)
}

func TestFinalizeRaceLostFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{asyncRoute()}})
	accountID := f.personal(t, 2)
	server := outputServer(t, tinyPNG(t))

	created, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	jobID, err := snowflake.ParseString(created.JobID)
	require.NoError(t, err)

	ok, err := f.credit.ReserveAndDebit(ctx, creditdomain.DebitRequest{AccountID: accountID, Amount: 2, JobID: f.node.Generate()})
	require.NoError(t, err)
	require.True(t, ok)

	f.async.set(providerdomain.PredictionStatus{State: providerdomain.PredictionSucceeded, OutputURL: server.URL + "/out.png"})
	resp, err := f.svc.GetStatus(ctx, accountID, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.MessageCreditsChanged, *resp.Error)
	assert.Nil(t, resp.StagedImageURL)
	f.deductions(t, created.JobID, 0)
	assert.Zero(t, f.available(t, accountID))
}

func TestPollCacheThrottlesProviderCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{asyncRoute()}, pollCacheTTL: time.Minute})
	accountID := f.personal(t, 10)

	created, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	jobID, err := snowflake.ParseString(created.JobID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := f.svc.GetStatus(ctx, accountID, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, resp.Status)
	}
	assert.Equal(t, int32(1), f.async.polls.Load())
}

func TestGetStatusUnknownJob(t *testing.T) {
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	_, err := f.svc.GetStatus(context.Background(), accountID, f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestGetStatusIsScopedToAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	owner := f.personal(t, 10)
	other := f.personal(t, 10)

	resp, err := f.svc.Create(ctx, createRequest(t, owner))
	require.NoError(t, err)
	jobID, err := snowflake.ParseString(resp.JobID)
	require.NoError(t, err)

	_, err = f.svc.GetStatus(ctx, other, jobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRemixAndSetPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	source, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	sourceID, err := snowflake.ParseString(source.JobID)
	require.NoError(t, err)

	remix, err := f.svc.Remix(ctx, accountID, sourceID, domain.RemixRequest{Style: "scandinavian"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, remix.Status)
	assert.Equal(t, "scandinavian", remix.Style)
	assert.Equal(t, "living_room", remix.RoomType)
	assert.False(t, remix.IsPrimaryVersion)
	require.NotNil(t, remix.ParentJobID)
	assert.Equal(t, source.JobID, *remix.ParentJobID)
	require.NotNil(t, remix.VersionGroupID)
	assert.Equal(t, source.JobID, *remix.VersionGroupID)
	assert.Equal(t, source.OriginalImageURL, remix.OriginalImageURL)

	// The sync provider received the decoded original for the remix.
	require.Len(t, f.sync.images, 2)
	assert.Equal(t, f.sync.images[0], f.sync.images[1])

	remixID, err := snowflake.ParseString(remix.JobID)
	require.NoError(t, err)
	_, err = f.svc.SetPrimary(ctx, accountID, remixID)
	require.NoError(t, err)

	assert.False(t, f.job(t, source.JobID).IsPrimaryVersion)
	assert.True(t, f.job(t, remix.JobID).IsPrimaryVersion)
	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM staging_jobs WHERE version_group_id = ? AND is_primary_version = ?",
		1, sourceID, true)

	versions, err := f.svc.ListVersions(ctx, accountID, remixID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, source.JobID, versions[0].JobID)

	assert.Equal(t, int64(6), f.available(t, accountID))
}

func TestRemixRejectsInvalidOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	source, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	sourceID, err := snowflake.ParseString(source.JobID)
	require.NoError(t, err)

	_, err = f.svc.Remix(ctx, accountID, sourceID, domain.RemixRequest{RoomType: "attic"})
	assert.ErrorIs(t, err, domain.ErrInvalidRoomType)
	assert.Nil(t, f.job(t, source.JobID).VersionGroupID)
}

func TestSetPrimaryUngroupedIsSingleRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}})
	accountID := f.personal(t, 10)

	first, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)

	secondID, err := snowflake.ParseString(second.JobID)
	require.NoError(t, err)
	resp, err := f.svc.SetPrimary(ctx, accountID, secondID)
	require.NoError(t, err)
	assert.True(t, resp.IsPrimaryVersion)
	assert.True(t, f.job(t, first.JobID).IsPrimaryVersion)
}

func TestConcurrentSetPrimaryKeepsSinglePrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}, cost: 1})
	accountID := f.personal(t, 10)

	source, err := f.svc.Create(ctx, createRequest(t, accountID))
	require.NoError(t, err)
	sourceID, err := snowflake.ParseString(source.JobID)
	require.NoError(t, err)

	ids := []snowflake.ID{sourceID}
	for i := 0; i < 3; i++ {
		remix, err := f.svc.Remix(ctx, accountID, sourceID, domain.RemixRequest{})
		require.NoError(t, err)
		id, err := snowflake.ParseString(remix.JobID)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id snowflake.ID) {
			defer wg.Done()
			_, err := f.svc.SetPrimary(ctx, accountID, id)
			assert.NoError(t, err)
		}(ids[i%len(ids)])
	}
	wg.Wait()

	testutil.AssertCount(t, f.db,
		"SELECT COUNT(1) FROM staging_jobs WHERE version_group_id = ? AND is_primary_version = ?",
		1, sourceID, true)
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{routes: []config.ProviderRoute{syncRoute()}, cost: 1})
	accountID := f.personal(t, 10)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, createRequest(t, accountID))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.List(ctx, accountID, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	rest, err := f.svc.List(ctx, accountID, pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest.Jobs, 1)
	assert.False(t, rest.HasMore)
}
