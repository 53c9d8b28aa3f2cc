package config

import (
	"testing"
	"time"

	"github.com/urfave/cli/v2"
	"go.viam.com/test"

	"github.com/Brownie44l1/deepfake-api/internal/inference"
)

// parse runs args through an app with the server flags and returns the Config.
func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg Config
		err error
	)
	app := &cli.App{
		Name:  "test",
		Flags: ServerFlags(),
		Action: func(c *cli.Context) error {
			cfg, err = FromContext(c)
			return nil
		},
	}
	test.That(t, app.Run(append([]string{"test"}, args...)), test.ShouldBeNil)
	return cfg, err
}

func TestDefaultIsValid(t *testing.T) {
	test.That(t, Default().Validate(), test.ShouldBeNil)

	cfg, err := parse(t)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, Default())
	test.That(t, cfg.EXIF, test.ShouldBeFalse)
	test.That(t, cfg.Preprocess().ApplyEXIFOrientation, test.ShouldBeFalse)
}

func TestFlags(t *testing.T) {
	cfg, err := parse(t,
		"--port", "9000",
		"--device", "CUDA",
		"--precision", "bf16",
		"--cache-dir", "/var/cache/deepfake",
		"--max-batch-size", "4",
		"--cors-origin", "https://a.example", "--cors-origin", "https://b.example",
		"--download-timeout", "90s",
		"--exif-orientation",
		"--preload",
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Port, test.ShouldEqual, 9000)
	test.That(t, cfg.Device, test.ShouldEqual, inference.DeviceCUDA)
	test.That(t, cfg.Precision, test.ShouldEqual, inference.PrecisionReduced)
	test.That(t, cfg.AllowedOrigins, test.ShouldResemble, []string{"https://a.example", "https://b.example"})
	test.That(t, cfg.Preload, test.ShouldBeTrue)
	test.That(t, cfg.EXIF, test.ShouldBeTrue)

	test.That(t, cfg.Artifact().CacheDir, test.ShouldEqual, "/var/cache/deepfake")
	test.That(t, cfg.Artifact().Timeout, test.ShouldEqual, 90*time.Second)
	test.That(t, cfg.Engine(), test.ShouldResemble, inference.Config{
		Device:       inference.DeviceCUDA,
		Precision:    inference.PrecisionReduced,
		MaxBatchSize: 4,
	})
	test.That(t, cfg.Preprocess().ApplyEXIFOrientation, test.ShouldBeTrue)
}

func TestEnvVars(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("HF_TOKEN", "hf_secret")
	t.Setenv("DEEPFAKE_CACHE_DIR", "/tmp/weights")
	t.Setenv("DEEPFAKE_DEVICE", "cpu")

	cfg, err := parse(t)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Port, test.ShouldEqual, 7070)
	test.That(t, cfg.Token, test.ShouldEqual, "hf_secret")
	test.That(t, cfg.Artifact().Token, test.ShouldEqual, "hf_secret")
	test.That(t, cfg.CacheDir, test.ShouldEqual, "/tmp/weights")
	test.That(t, cfg.Device, test.ShouldEqual, inference.DeviceCPU)
}

func TestInvalid(t *testing.T) {
	for name, args := range map[string][]string{
		"device":     {"--device", "tpu"},
		"precision":  {"--precision", "int4"},
		"port":       {"--port", "0"},
		"batch size": {"--max-batch-size", "0"},
		"upload":     {"--max-upload-bytes", "-1"},
		"cache dir":  {"--cache-dir", ""},
		"workers":    {"--workers", "-2"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parse(t, args...)
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}
