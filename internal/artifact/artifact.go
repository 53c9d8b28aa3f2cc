// Package artifact resolves the classifier and its preprocessing config from a
// remote model hub, keeping a local copy so later runs never touch the network.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/deepfake-api/internal/logging"
)

// ErrArtifactUnavailable is returned when an artifact is neither cached nor fetchable.
var ErrArtifactUnavailable = errors.New("artifact unavailable")

const (
	DefaultEndpoint             = "https://huggingface.co"
	DefaultModelRepo            = "yermandy/deepfake-detection"
	DefaultModelFile            = "model.onnx"
	DefaultPreprocessorRepo     = "openai/clip-vit-large-patch14"
	DefaultPreprocessorFile     = "preprocessor_config.json"
	DefaultRevision             = "main"
	DefaultCacheDir             = "weights"
	DefaultTimeout              = 30 * time.Minute
	authorizationHeaderTemplate = "Bearer %s"
)

// Ref names one file in a hub repository.
type Ref struct {
	Repo     string
	Filename string
}

func (r Ref) String() string {
	return r.Repo + "/" + r.Filename
}

// Config describes where artifacts live remotely and locally.
type Config struct {
	Endpoint     string
	Revision     string
	CacheDir     string
	Token        string
	Model        Ref
	Preprocessor Ref
	Timeout      time.Duration
	HTTPClient   *http.Client
}

func (cfg *Config) defaults() {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir
	}
	if cfg.Model.Repo == "" {
		cfg.Model.Repo = DefaultModelRepo
	}
	if cfg.Model.Filename == "" {
		cfg.Model.Filename = DefaultModelFile
	}
	if cfg.Preprocessor.Repo == "" {
		cfg.Preprocessor.Repo = DefaultPreprocessorRepo
	}
	if cfg.Preprocessor.Filename == "" {
		cfg.Preprocessor.Filename = DefaultPreprocessorFile
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
}

// Artifact holds local paths of a fully cached classifier.
type Artifact struct {
	ModelPath        string
	PreprocessorPath string
}

// Source fetches artifacts into the cache directory.
type Source struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.Logger
}

// NewSource returns a Source with defaults applied to cfg.
func NewSource(cfg Config, logger logging.Logger) *Source {
	cfg.defaults()
	return &Source{cfg: cfg, logger: logger}
}

// Ensure makes sure both the classifier and its preprocessing config are
// present in the cache, downloading whichever is missing.
func (s *Source) Ensure(ctx context.Context) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	modelPath, err := s.ensure(ctx, s.cfg.Model)
	if err != nil {
		return Artifact{}, err
	}
	preprocessorPath, err := s.ensure(ctx, s.cfg.Preprocessor)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{ModelPath: modelPath, PreprocessorPath: preprocessorPath}, nil
}

// LocalPath is where ref is cached.
func (s *Source) LocalPath(ref Ref) string {
	return filepath.Join(s.cfg.CacheDir, filepath.FromSlash(ref.Repo), ref.Filename)
}

func (s *Source) ensure(ctx context.Context, ref Ref) (string, error) {
	dst := s.LocalPath(ref)
	if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		s.logger.Debugw("artifact cache hit", "artifact", ref.String(), "path", dst)
		return dst, nil
	}

	s.logger.Infow("downloading artifact", "artifact", ref.String(), "path", dst)
	start := time.Now()
	n, err := s.download(ctx, ref, dst)
	if err != nil {
		return "", &unavailableError{ref: ref, err: err}
	}
	s.logger.Infow("artifact downloaded", "artifact", ref.String(), "bytes", n, "took", time.Since(start))
	return dst, nil
}

// unavailableError reports a failed fetch. It matches ErrArtifactUnavailable
// and still unwraps to the fetch error, such as context.DeadlineExceeded.
type unavailableError struct {
	ref Ref
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrArtifactUnavailable, e.ref, e.err)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrArtifactUnavailable, e.err}
}

// URL returns the hub download location of ref.
func (s *Source) URL(ref Ref) string {
	return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + ref.Repo + "/resolve/" +
		url.PathEscape(s.cfg.Revision) + "/" + ref.Filename
}

// download streams ref into a temporary file next to dst and renames it into
// place once complete, so dst only ever holds a whole artifact.
func (s *Source) download(ctx context.Context, ref Ref, dst string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(ref), nil)
	if err != nil {
		return 0, err
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf(authorizationHeaderTemplate, s.cfg.Token))
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op once renamed

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return n, errors.Wrap(err, "writing artifact")
	}
	if n == 0 {
		tmp.Close() //nolint:errcheck
		return 0, errors.New("empty artifact")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, err
	}
	return n, nil
}
