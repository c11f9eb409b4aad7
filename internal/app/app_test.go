package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/config"
	"github.com/JakeFAU/fetch-engine/internal/fetch"
	memorypublisher "github.com/JakeFAU/fetch-engine/internal/publisher/memory"
	memoryStorage "github.com/JakeFAU/fetch-engine/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Headless.Enabled = false
	cfg.Server.Enabled = false
	cfg.Worker.Concurrency = 2
	cfg.Storage.Blobs = "memory"
	cfg.Publisher.Provider = "memory"
	cfg.Publisher.Topic = "fetch-results"
	return cfg
}

func TestAppProcessesSubmittedJob(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>Shelf</title></head><body>ok</body></html>"))
	}))
	defer target.Close()

	a, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	require.Eventually(t, a.dispatch.Running, time.Second, 10*time.Millisecond)

	body := `{"job_id":"job-1","url":"` + target.URL + `/item","mode":"static"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/fetch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result fetch.Result
	require.Eventually(t, func() bool {
		var getErr error
		result, getErr = a.results.GetResult(context.Background(), "job-1")
		return getErr == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.True(t, result.Success)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, 1, result.AttemptsUsed)
	require.Equal(t, "Shelf", result.Title)
	require.NotEmpty(t, result.ContentHash)
	require.NotEmpty(t, result.BodyURI)

	blobs, ok := a.blobs.(*memoryStorage.BlobStore)
	require.True(t, ok)
	_, found := blobs.Object(strings.TrimPrefix(result.BodyURI, "memory://"))
	require.True(t, found)

	pub, ok := a.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(pub.Messages()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "fetch-results", pub.Messages()[0].Topic)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched fetch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Equal(t, "job-1", fetched.JobID)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.False(t, a.dispatch.Running())
}

func TestAppSubmitFailedFetchIsPersisted(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer target.Close()

	cfg := testConfig(t)
	// The test server's port may contain a retry keyword such as "429".
	cfg.Retry.MaxAttempts = 1

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	require.NoError(t, a.Submit(ctx, fetch.Request{
		JobID:           "missing",
		URL:             target.URL,
		Mode:            fetch.ModeStatic,
		FollowRedirects: true,
	}))

	var result fetch.Result
	require.Eventually(t, func() bool {
		var getErr error
		result, getErr = a.results.GetResult(context.Background(), "missing")
		return getErr == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.False(t, result.Success)
	require.Equal(t, http.StatusNotFound, result.StatusCode)
	require.Equal(t, fetch.ClassHTTP, result.Classification)
	require.Empty(t, result.BodyURI)

	cancel()
	<-done
}

func TestBuildClosesOnFailure(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	cfg := testConfig(t)
	cfg.Storage.Blobs = "local"
	cfg.Storage.Local.BaseDir = file

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Nil(t, a)
	require.Contains(t, err.Error(), "local blob store init failed")
}

func TestBuildLocalBlobStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Blobs = "local"
	cfg.Storage.Local.BaseDir = t.TempDir()
	cfg.Publisher.Provider = "none"

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, a.blobs)
	require.Nil(t, a.publisher)
	require.Equal(t, 2, a.dispatch.Size())
	require.NoError(t, a.Close())
}

func TestEngineWithoutHeadlessRejectsDynamic(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	engine, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, engine.Close()) }()

	result := engine.Fetch(context.Background(), fetch.Request{
		JobID: "dyn",
		URL:   "https://example.com",
		Mode:  fetch.ModeDynamic,
	})
	require.False(t, result.Success)
	require.Equal(t, fetch.ClassConfiguration, result.Classification)
	require.Equal(t, 0, result.AttemptsUsed)
}

func TestCloseJoinsErrors(t *testing.T) {
	t.Parallel()

	var order []string
	a := &App{logger: zap.NewNop()}
	a.onClose("first", func() error {
		order = append(order, "first")
		return nil
	})
	a.onClose("second", func() error {
		order = append(order, "second")
		return errors.New("boom")
	})

	err := a.Close()
	require.ErrorContains(t, err, "second: boom")
	require.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, a.Close())
}
