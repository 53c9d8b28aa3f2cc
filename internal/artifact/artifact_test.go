package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/Brownie44l1/deepfake-api/internal/logging"
)

type fakeHub struct {
	files    map[string]string
	requests atomic.Int64
	lastAuth atomic.String
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.requests.Inc()
	h.lastAuth.Store(r.Header.Get("Authorization"))
	body, ok := h.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(body)) //nolint:errcheck
}

func newHub() *fakeHub {
	return &fakeHub{files: map[string]string{
		"/org/detector/resolve/main/model.onnx":             "onnx-bytes",
		"/openai/clip/resolve/main/preprocessor_config.json": `{"crop_size": 224}`,
	}}
}

func testConfig(endpoint, cacheDir string) Config {
	return Config{
		Endpoint:     endpoint,
		CacheDir:     cacheDir,
		Model:        Ref{Repo: "org/detector", Filename: "model.onnx"},
		Preprocessor: Ref{Repo: "openai/clip", Filename: "preprocessor_config.json"},
	}
}

func TestEnsureDownloadsThenHitsCache(t *testing.T) {
	hub := newHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	cacheDir := t.TempDir()
	src := NewSource(testConfig(srv.URL, cacheDir), logging.NewTestLogger(t))

	art, err := src.Ensure(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, art.ModelPath, test.ShouldEqual, filepath.Join(cacheDir, "org", "detector", "model.onnx"))
	test.That(t, hub.requests.Load(), test.ShouldEqual, int64(2))

	data, err := os.ReadFile(art.ModelPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "onnx-bytes")

	again, err := src.Ensure(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, art)
	test.That(t, hub.requests.Load(), test.ShouldEqual, int64(2))
}

func TestEnsureCacheHitNeedsNoNetwork(t *testing.T) {
	cacheDir := t.TempDir()
	cfg := testConfig("http://127.0.0.1:1", cacheDir)
	src := NewSource(cfg, logging.NewTestLogger(t))
	for _, ref := range []Ref{cfg.Model, cfg.Preprocessor} {
		p := src.LocalPath(ref)
		test.That(t, os.MkdirAll(filepath.Dir(p), 0o755), test.ShouldBeNil)
		test.That(t, os.WriteFile(p, []byte("cached"), 0o600), test.ShouldBeNil)
	}

	art, err := src.Ensure(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, art.PreprocessorPath, test.ShouldEqual, src.LocalPath(cfg.Preprocessor))
}

func TestEnsureMissingArtifact(t *testing.T) {
	hub := newHub()
	delete(hub.files, "/org/detector/resolve/main/model.onnx")
	srv := httptest.NewServer(hub)
	defer srv.Close()

	cacheDir := t.TempDir()
	src := NewSource(testConfig(srv.URL, cacheDir), logging.NewTestLogger(t))

	_, err := src.Ensure(context.Background())
	test.That(t, errors.Is(err, ErrArtifactUnavailable), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "404")

	_, err = os.Stat(src.LocalPath(testConfig(srv.URL, cacheDir).Model))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	_, err = os.ReadDir(filepath.Join(cacheDir, "org", "detector"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestEnsureKeepsFetchCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, t.TempDir())
	cfg.Timeout = 50 * time.Millisecond
	_, err := NewSource(cfg, logging.NewTestLogger(t)).Ensure(context.Background())
	test.That(t, errors.Is(err, ErrArtifactUnavailable), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "org/detector/model.onnx")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSource(testConfig(srv.URL, t.TempDir()), logging.NewTestLogger(t)).Ensure(ctx)
	test.That(t, errors.Is(err, ErrArtifactUnavailable), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestEnsureUnreachableHub(t *testing.T) {
	src := NewSource(testConfig("http://127.0.0.1:1", t.TempDir()), logging.NewTestLogger(t))
	_, err := src.Ensure(context.Background())
	test.That(t, errors.Is(err, ErrArtifactUnavailable), test.ShouldBeTrue)
}

func TestEnsureSendsToken(t *testing.T) {
	hub := newHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	cfg := testConfig(srv.URL, t.TempDir())
	cfg.Token = "secret"
	_, err := NewSource(cfg, logging.NewTestLogger(t)).Ensure(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hub.lastAuth.Load(), test.ShouldEqual, "Bearer secret")
}

func TestURL(t *testing.T) {
	src := NewSource(Config{Endpoint: "https://hub.example/"}, logging.NewNopLogger())
	test.That(t, src.URL(Ref{Repo: "a/b", Filename: "model.onnx"}), test.ShouldEqual,
		"https://hub.example/a/b/resolve/main/model.onnx")
}
