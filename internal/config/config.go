// Package config collects the server and CLI settings and maps them onto the
// detector's components.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Brownie44l1/deepfake-api/internal/artifact"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/logging"
	"github.com/Brownie44l1/deepfake-api/internal/preprocess"
)

// Config is the complete runtime configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
	MaxUploadBytes int64
	MaxBatchImages int
	Preload        bool

	HubEndpoint      string
	Revision         string
	CacheDir         string
	Token            string
	ModelRepo        string
	ModelFile        string
	PreprocessorRepo string
	PreprocessorFile string
	DownloadTimeout  time.Duration

	Device         inference.Device
	Precision      inference.Precision
	MaxBatchSize   int
	ORTLibrary     string
	IntraOpThreads int

	Workers   int
	MaxPixels int64
	EXIF      bool

	Debug   bool
	LogFile string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:             8080,
		AllowedOrigins:   []string{"*"},
		MaxUploadBytes:   10 << 20,
		MaxBatchImages:   32,
		HubEndpoint:      artifact.DefaultEndpoint,
		Revision:         artifact.DefaultRevision,
		CacheDir:         artifact.DefaultCacheDir,
		ModelRepo:        artifact.DefaultModelRepo,
		ModelFile:        artifact.DefaultModelFile,
		PreprocessorRepo: artifact.DefaultPreprocessorRepo,
		PreprocessorFile: artifact.DefaultPreprocessorFile,
		DownloadTimeout:  artifact.DefaultTimeout,
		Device:           inference.DeviceAuto,
		Precision:        inference.PrecisionAuto,
		MaxBatchSize:     inference.DefaultMaxBatchSize,
		MaxPixels:        preprocess.DefaultMaxPixels,
		EXIF:             false,
	}
}

// Validate rejects settings the components cannot work with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload size must be positive")
	}
	if c.MaxBatchImages <= 0 {
		return errors.New("max batch images must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("max inference batch size must be positive")
	}
	if c.CacheDir == "" {
		return errors.New("cache directory must be set")
	}
	if c.ModelRepo == "" || c.ModelFile == "" {
		return errors.New("model repository and filename must be set")
	}
	if c.PreprocessorRepo == "" || c.PreprocessorFile == "" {
		return errors.New("preprocessor repository and filename must be set")
	}
	if _, err := inference.ParseDevice(string(c.Device)); err != nil {
		return err
	}
	if _, err := inference.ParsePrecision(string(c.Precision)); err != nil {
		return err
	}
	if c.Workers < 0 || c.IntraOpThreads < 0 || c.MaxPixels < 0 {
		return errors.New("worker, thread and pixel limits must not be negative")
	}
	return nil
}

// Artifact returns the artifact store settings.
func (c Config) Artifact() artifact.Config {
	return artifact.Config{
		Endpoint:     c.HubEndpoint,
		Revision:     c.Revision,
		CacheDir:     c.CacheDir,
		Token:        c.Token,
		Model:        artifact.Ref{Repo: c.ModelRepo, Filename: c.ModelFile},
		Preprocessor: artifact.Ref{Repo: c.PreprocessorRepo, Filename: c.PreprocessorFile},
		Timeout:      c.DownloadTimeout,
	}
}

// Engine returns the inference engine settings.
func (c Config) Engine() inference.Config {
	return inference.Config{Device: c.Device, Precision: c.Precision, MaxBatchSize: c.MaxBatchSize}
}

// ONNX returns the ONNX Runtime backend settings.
func (c Config) ONNX() inference.ONNXOptions {
	return inference.ONNXOptions{LibraryPath: c.ORTLibrary, IntraOpThreads: c.IntraOpThreads}
}

// Preprocess returns the preprocessing runtime options.
func (c Config) Preprocess() preprocess.Options {
	return preprocess.Options{MaxPixels: c.MaxPixels, ApplyEXIFOrientation: c.EXIF, Workers: c.Workers}
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Options {
	return logging.Options{Debug: c.Debug, File: c.LogFile}
}

// Flag names shared by the server and the CLI.
const (
	FlagPort             = "port"
	FlagCORSOrigin       = "cors-origin"
	FlagMaxUpload        = "max-upload-bytes"
	FlagMaxBatchImages   = "max-batch-images"
	FlagPreload          = "preload"
	FlagHubEndpoint      = "hub-endpoint"
	FlagRevision         = "revision"
	FlagCacheDir         = "cache-dir"
	FlagToken            = "hf-token"
	FlagModelRepo        = "model-repo"
	FlagModelFile        = "model-file"
	FlagPreprocessorRepo = "preprocessor-repo"
	FlagPreprocessorFile = "preprocessor-file"
	FlagDownloadTimeout  = "download-timeout"
	FlagDevice           = "device"
	FlagPrecision        = "precision"
	FlagMaxBatchSize     = "max-batch-size"
	FlagORTLibrary       = "onnxruntime-lib"
	FlagIntraOpThreads   = "intra-op-threads"
	FlagWorkers          = "workers"
	FlagMaxPixels        = "max-pixels"
	FlagEXIF             = "exif-orientation"
	FlagDebug            = "debug"
	FlagLogFile          = "log-file"
)

// DetectorFlags are the flags every entry point that builds a detector needs.
func DetectorFlags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		&cli.StringFlag{Name: FlagHubEndpoint, Value: d.HubEndpoint, EnvVars: []string{"HF_ENDPOINT"}, Usage: "model hub base URL"},
		&cli.StringFlag{Name: FlagRevision, Value: d.Revision, EnvVars: []string{"DEEPFAKE_REVISION"}, Usage: "hub revision to fetch"},
		&cli.StringFlag{Name: FlagCacheDir, Value: d.CacheDir, EnvVars: []string{"DEEPFAKE_CACHE_DIR"}, Usage: "local artifact cache directory"},
		&cli.StringFlag{Name: FlagToken, EnvVars: []string{"HF_TOKEN"}, Usage: "hub access token"},
		&cli.StringFlag{Name: FlagModelRepo, Value: d.ModelRepo, EnvVars: []string{"DEEPFAKE_MODEL_REPO"}},
		&cli.StringFlag{Name: FlagModelFile, Value: d.ModelFile, EnvVars: []string{"DEEPFAKE_MODEL_FILE"}},
		&cli.StringFlag{Name: FlagPreprocessorRepo, Value: d.PreprocessorRepo, EnvVars: []string{"DEEPFAKE_PREPROCESSOR_REPO"}},
		&cli.StringFlag{Name: FlagPreprocessorFile, Value: d.PreprocessorFile, EnvVars: []string{"DEEPFAKE_PREPROCESSOR_FILE"}},
		&cli.DurationFlag{Name: FlagDownloadTimeout, Value: d.DownloadTimeout, EnvVars: []string{"DEEPFAKE_DOWNLOAD_TIMEOUT"}},
		&cli.StringFlag{Name: FlagDevice, Value: string(d.Device), EnvVars: []string{"DEEPFAKE_DEVICE"}, Usage: "auto, cpu, cuda or coreml"},
		&cli.StringFlag{Name: FlagPrecision, Value: string(d.Precision), EnvVars: []string{"DEEPFAKE_PRECISION"}, Usage: "auto, full or reduced"},
		&cli.IntFlag{Name: FlagMaxBatchSize, Value: d.MaxBatchSize, EnvVars: []string{"DEEPFAKE_MAX_BATCH_SIZE"}, Usage: "images per forward pass"},
		&cli.StringFlag{Name: FlagORTLibrary, EnvVars: []string{"ONNXRUNTIME_LIB"}, Usage: "path to the onnxruntime shared library"},
		&cli.IntFlag{Name: FlagIntraOpThreads, EnvVars: []string{"DEEPFAKE_INTRA_OP_THREADS"}},
		&cli.IntFlag{Name: FlagWorkers, EnvVars: []string{"DEEPFAKE_WORKERS"}, Usage: "parallel image decoders, 0 for GOMAXPROCS"},
		&cli.Int64Flag{Name: FlagMaxPixels, Value: d.MaxPixels, EnvVars: []string{"DEEPFAKE_MAX_PIXELS"}},
		&cli.BoolFlag{Name: FlagEXIF, Value: d.EXIF, EnvVars: []string{"DEEPFAKE_EXIF_ORIENTATION"}},
		&cli.BoolFlag{Name: FlagDebug, EnvVars: []string{"DEBUG"}},
		&cli.StringFlag{Name: FlagLogFile, EnvVars: []string{"DEEPFAKE_LOG_FILE"}, Usage: "also write JSON logs to this rotating file"},
	}
}

// ServerFlags adds the HTTP server flags to DetectorFlags.
func ServerFlags() []cli.Flag {
	d := Default()
	return append([]cli.Flag{
		&cli.IntFlag{Name: FlagPort, Value: d.Port, EnvVars: []string{"PORT"}},
		&cli.StringSliceFlag{Name: FlagCORSOrigin, Value: cli.NewStringSlice(d.AllowedOrigins...), EnvVars: []string{"CORS_ORIGINS"}},
		&cli.Int64Flag{Name: FlagMaxUpload, Value: d.MaxUploadBytes, EnvVars: []string{"MAX_UPLOAD_BYTES"}},
		&cli.IntFlag{Name: FlagMaxBatchImages, Value: d.MaxBatchImages, EnvVars: []string{"MAX_BATCH_IMAGES"}},
		&cli.BoolFlag{Name: FlagPreload, EnvVars: []string{"PRELOAD"}, Usage: "load the classifier before serving"},
	}, DetectorFlags()...)
}

// FromContext reads a Config from parsed flags and their environment
// variables. Anything not set keeps its default.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Default()
	set := func(name string, apply func()) {
		if c.IsSet(name) {
			apply()
		}
	}
	set(FlagPort, func() { cfg.Port = c.Int(FlagPort) })
	set(FlagCORSOrigin, func() { cfg.AllowedOrigins = c.StringSlice(FlagCORSOrigin) })
	set(FlagMaxUpload, func() { cfg.MaxUploadBytes = c.Int64(FlagMaxUpload) })
	set(FlagMaxBatchImages, func() { cfg.MaxBatchImages = c.Int(FlagMaxBatchImages) })
	set(FlagPreload, func() { cfg.Preload = c.Bool(FlagPreload) })
	set(FlagHubEndpoint, func() { cfg.HubEndpoint = c.String(FlagHubEndpoint) })
	set(FlagRevision, func() { cfg.Revision = c.String(FlagRevision) })
	set(FlagCacheDir, func() { cfg.CacheDir = c.String(FlagCacheDir) })
	set(FlagToken, func() { cfg.Token = c.String(FlagToken) })
	set(FlagModelRepo, func() { cfg.ModelRepo = c.String(FlagModelRepo) })
	set(FlagModelFile, func() { cfg.ModelFile = c.String(FlagModelFile) })
	set(FlagPreprocessorRepo, func() { cfg.PreprocessorRepo = c.String(FlagPreprocessorRepo) })
	set(FlagPreprocessorFile, func() { cfg.PreprocessorFile = c.String(FlagPreprocessorFile) })
	set(FlagDownloadTimeout, func() { cfg.DownloadTimeout = c.Duration(FlagDownloadTimeout) })
	set(FlagMaxBatchSize, func() { cfg.MaxBatchSize = c.Int(FlagMaxBatchSize) })
	set(FlagORTLibrary, func() { cfg.ORTLibrary = c.String(FlagORTLibrary) })
	set(FlagIntraOpThreads, func() { cfg.IntraOpThreads = c.Int(FlagIntraOpThreads) })
	set(FlagWorkers, func() { cfg.Workers = c.Int(FlagWorkers) })
	set(FlagMaxPixels, func() { cfg.MaxPixels = c.Int64(FlagMaxPixels) })
	set(FlagEXIF, func() { cfg.EXIF = c.Bool(FlagEXIF) })
	set(FlagDebug, func() { cfg.Debug = c.Bool(FlagDebug) })
	set(FlagLogFile, func() { cfg.LogFile = c.String(FlagLogFile) })

	var err error
	if c.IsSet(FlagDevice) {
		if cfg.Device, err = inference.ParseDevice(c.String(FlagDevice)); err != nil {
			return Config{}, err
		}
	}
	if c.IsSet(FlagPrecision) {
		if cfg.Precision, err = inference.ParsePrecision(c.String(FlagPrecision)); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
