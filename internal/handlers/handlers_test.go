package handlers

import (
	"bytes"
	"encoding/json"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/Brownie44l1/deepfake-api/internal/artifact"
	"github.com/Brownie44l1/deepfake-api/internal/detector"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/logging"
	"github.com/Brownie44l1/deepfake-api/internal/preprocess"
	"github.com/Brownie44l1/deepfake-api/internal/registry"
)

// channelRunner scores red images as real and blue images as fake.
type channelRunner struct {
	err error
}

func (r *channelRunner) InputShape() []int64 { return []int64{-1, 3, 8, 8} }
func (r *channelRunner) Close() error        { return nil }

func (r *channelRunner) Run(input []float32, shape []int64) ([]float32, error) {
	if r.err != nil {
		return nil, r.err
	}
	n, plane := int(shape[0]), int(shape[2]*shape[3])
	out := make([]float32, 0, 2*n)
	for i := 0; i < n; i++ {
		base := i * 3 * plane
		out = append(out, input[base], input[base+2*plane])
	}
	return out, nil
}

// newServer serves a detector whose artifacts are already in the cache, so
// the hub endpoint is never contacted.
func newServer(t *testing.T, runner *channelRunner, opts Options) *httptest.Server {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg := artifact.Config{Endpoint: "http://127.0.0.1:1", CacheDir: t.TempDir()}
	source := artifact.NewSource(cfg, logger)

	model := source.LocalPath(artifact.Ref{Repo: artifact.DefaultModelRepo, Filename: artifact.DefaultModelFile})
	pre := source.LocalPath(artifact.Ref{Repo: artifact.DefaultPreprocessorRepo, Filename: artifact.DefaultPreprocessorFile})
	for path, body := range map[string]string{model: "onnx", pre: `{"size": 8, "crop_size": 8}`} {
		test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
		test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)
	}

	engine := inference.NewEngine(inference.Config{}, func(string, inference.Device, logging.Logger) (inference.Runner, inference.Device, error) {
		return runner, inference.DeviceCPU, nil
	}, logger)
	reg := registry.New(func() (*detector.Detector, error) {
		return detector.New(source, engine, preprocess.Options{}, logger), nil
	})

	srv := httptest.NewServer(NewHandler(reg, opts, logger).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func png(t *testing.T, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, imaging.Encode(&buf, imaging.New(12, 12, c), imaging.PNG), test.ShouldBeNil)
	return buf.Bytes()
}

func upload(t *testing.T, url, field string, files ...[]byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, data := range files {
		fw, err := mw.CreateFormFile(field, "upload"+string(rune('a'+i))+".png")
		test.That(t, err, test.ShouldBeNil)
		_, err = fw.Write(data)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, mw.Close(), test.ShouldBeNil)

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	test.That(t, json.NewDecoder(resp.Body).Decode(v), test.ShouldBeNil)
}

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func TestHealth(t *testing.T) {
	srv := newServer(t, &channelRunner{}, Options{})

	resp, err := http.Get(srv.URL + "/health")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header.Get(requestIDHeader), test.ShouldNotBeEmpty)

	var health HealthResponse
	decode(t, resp, &health)
	test.That(t, health.Status, test.ShouldEqual, "healthy")
	test.That(t, health.ModelState, test.ShouldEqual, "uninitialized")
	test.That(t, health.Device, test.ShouldBeEmpty)

	upload(t, srv.URL+"/detect", "image", png(t, red))

	resp2, err := http.Get(srv.URL + "/health")
	test.That(t, err, test.ShouldBeNil)
	defer resp2.Body.Close()
	decode(t, resp2, &health)
	test.That(t, health.ModelState, test.ShouldEqual, "ready")
	test.That(t, health.Device, test.ShouldEqual, inference.DeviceCPU)
	test.That(t, health.Stats.Images, test.ShouldEqual, int64(1))
}

func TestDetect(t *testing.T) {
	srv := newServer(t, &channelRunner{}, Options{})

	resp := upload(t, srv.URL+"/detect", "image", png(t, blue))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldEqual, "application/json")

	var raw map[string]interface{}
	decode(t, resp, &raw)
	test.That(t, raw["is_fake"], test.ShouldEqual, true)
	for _, key := range []string{"fake_probability", "real_probability", "confidence"} {
		test.That(t, raw, test.ShouldContainKey, key)
	}
	test.That(t, raw["confidence"], test.ShouldEqual, raw["fake_probability"])
}

func TestDetectBatch(t *testing.T) {
	srv := newServer(t, &channelRunner{}, Options{})

	resp := upload(t, srv.URL+"/detect/batch", "images", png(t, red), png(t, blue), png(t, red))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	var verdicts []detector.Verdict
	decode(t, resp, &verdicts)
	test.That(t, verdicts, test.ShouldHaveLength, 3)
	test.That(t, verdicts[0].IsFake, test.ShouldBeFalse)
	test.That(t, verdicts[1].IsFake, test.ShouldBeTrue)
	test.That(t, verdicts[2].IsFake, test.ShouldBeFalse)
}

func TestDetectClientErrors(t *testing.T) {
	srv := newServer(t, &channelRunner{}, Options{MaxUploadBytes: 4 << 10, MaxBatchImages: 2})

	resp := upload(t, srv.URL+"/detect", "image", []byte("not an image"))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	var e errorResponse
	decode(t, resp, &e)
	test.That(t, e.Error, test.ShouldContainSubstring, "decode")
	test.That(t, e.RequestID, test.ShouldEqual, resp.Header.Get(requestIDHeader))

	resp = upload(t, srv.URL+"/detect", "file", png(t, red))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)

	resp = upload(t, srv.URL+"/detect/batch", "images", png(t, red), png(t, red), png(t, red))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)

	resp = upload(t, srv.URL+"/detect", "image", make([]byte, 8<<10))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusRequestEntityTooLarge)

	get, err := http.Get(srv.URL + "/detect")
	test.That(t, err, test.ShouldBeNil)
	defer get.Body.Close()
	test.That(t, get.StatusCode, test.ShouldEqual, http.StatusMethodNotAllowed)
}

func TestUploadSpillIsRemoved(t *testing.T) {
	srv := newServer(t, &channelRunner{}, Options{MaxUploadBytes: 8 << 20})
	spill := t.TempDir()
	t.Setenv("TMPDIR", spill)

	resp := upload(t, srv.URL+"/detect", "image", make([]byte, 2<<20))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	resp = upload(t, srv.URL+"/detect/batch", "images", png(t, red), make([]byte, 2<<20))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	resp = upload(t, srv.URL+"/detect/batch", "images", png(t, blue), png(t, red))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	entries, err := os.ReadDir(spill)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldBeEmpty)
}

func TestDetectServerError(t *testing.T) {
	srv := newServer(t, &channelRunner{err: errors.New("device lost")}, Options{})

	resp := upload(t, srv.URL+"/detect", "image", png(t, red))
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusInternalServerError)
	var e errorResponse
	decode(t, resp, &e)
	test.That(t, e.Error, test.ShouldEqual, "detection failed")
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newServer(t, &channelRunner{}, Options{})
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	test.That(t, err, test.ShouldBeNil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.Header.Get(requestIDHeader), test.ShouldEqual, "abc-123")
}
