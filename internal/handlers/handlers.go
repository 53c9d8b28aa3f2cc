package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/deepfake-api/internal/detector"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/logging"
	"github.com/Brownie44l1/deepfake-api/internal/preprocess"
	"github.com/Brownie44l1/deepfake-api/internal/registry"
)

const requestIDHeader = "X-Request-ID"

// multipartMemory is how much of an upload is held in memory; the rest of
// each file spills to temporary files that are removed after the request.
const multipartMemory = 1 << 20

// Options limits what a single request may upload.
type Options struct {
	MaxUploadBytes int64
	MaxBatchImages int
}

type Handler struct {
	registry *registry.Registry
	opts     Options
	logger   logging.Logger
}

func NewHandler(reg *registry.Registry, opts Options, logger logging.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.MaxBatchImages <= 0 {
		opts.MaxBatchImages = 32
	}
	return &Handler{
		registry: reg,
		opts:     opts,
		logger:   logger,
	}
}

// Routes returns the API mux with request ids attached.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/detect", h.Detect)
	mux.HandleFunc("/detect/batch", h.DetectBatch)
	return withRequestID(mux)
}

// HealthResponse reports whether the service is up and how far the
// classifier has loaded.
type HealthResponse struct {
	Status     string           `json:"status"`
	ModelState string           `json:"model_state"`
	Device     inference.Device `json:"device,omitempty"`
	Precision  string           `json:"precision,omitempty"`
	Stats      inference.Stats  `json:"stats"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	det, err := h.registry.Get()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := HealthResponse{
		Status:     "healthy",
		ModelState: det.State().String(),
		Stats:      det.Stats(),
	}
	if handle := det.Handle(); handle != nil {
		resp.Device = handle.Device
		resp.Precision = string(handle.Precision)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Detect classifies the upload in the "image" form field.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		writeError(w, r, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	data, err := readFile(files[0])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read upload")
		return
	}

	det, err := h.registry.Get()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	start := time.Now()
	verdict, err := det.Detect(r.Context(), preprocess.Bytes(data))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Infow("image classified",
		"request_id", requestID(r.Context()),
		"file", files[0].Filename,
		"bytes", len(data),
		"is_fake", verdict.IsFake,
		"confidence", verdict.Confidence,
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, verdict)
}

// DetectBatch classifies every upload in the repeated "images" form field
// and returns verdicts in upload order.
func (h *Handler) DetectBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeError(w, r, http.StatusBadRequest, "no image files provided, use 'images' as the form field name")
		return
	}
	if len(files) > h.opts.MaxBatchImages {
		writeError(w, r, http.StatusBadRequest, "too many images in one batch")
		return
	}
	raws := make([]preprocess.RawImage, len(files))
	for i, fh := range files {
		data, err := readFile(fh)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "failed to read upload "+fh.Filename)
			return
		}
		raws[i] = preprocess.Bytes(data)
	}

	det, err := h.registry.Get()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	start := time.Now()
	verdicts, err := det.DetectBatch(r.Context(), raws)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Infow("batch classified",
		"request_id", requestID(r.Context()),
		"images", len(verdicts),
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, verdicts)
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll() //nolint:errcheck
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "failed to parse form")
		return false
	}
	return true
}

// fail maps a detector error to a response: bad images are the client's
// fault, everything else is ours.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if detector.IsClientError(err) {
		h.logger.Debugw("rejected image", "request_id", requestID(r.Context()), "error", err)
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Errorw("detection failed", "request_id", requestID(r.Context()), "error", err)
	writeError(w, r, http.StatusInternalServerError, "detection failed")
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

type requestIDKey struct{}

// withRequestID tags every request with the caller's X-Request-ID or a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
