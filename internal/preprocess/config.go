package preprocess

import (
	"encoding/json"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// CLIP ViT-L/14 image statistics.
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Resampling filters, numbered as in the image processor configs.
const (
	ResampleNearest  = 0
	ResampleLanczos  = 1
	ResampleBilinear = 2
	ResampleBicubic  = 3
	ResampleBox      = 4
	ResampleHamming  = 5
)

// Size is either a shortest-edge target or an exact height/width.
// In JSON it may be a bare integer, {"shortest_edge": n} or {"height": h, "width": w}.
type Size struct {
	ShortestEdge int `json:"shortest_edge,omitempty"`
	Height       int `json:"height,omitempty"`
	Width        int `json:"width,omitempty"`
}

// UnmarshalJSON accepts the integer and object forms.
func (s *Size) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Size{ShortestEdge: n, Height: n, Width: n}
		return nil
	}
	type plain Size
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "size must be an integer or an object")
	}
	*s = Size(p)
	return nil
}

func (s Size) exact() bool {
	return s.Height > 0 && s.Width > 0
}

// Config is the classifier's image processor configuration as shipped next
// to the model. Unset switches default to on. With do_convert_rgb off, images
// that are not already RGB are rejected.
type Config struct {
	DoResize      *bool     `json:"do_resize,omitempty"`
	Size          Size      `json:"size"`
	Resample      int       `json:"resample"`
	DoCenterCrop  *bool     `json:"do_center_crop,omitempty"`
	CropSize      Size      `json:"crop_size"`
	DoRescale     *bool     `json:"do_rescale,omitempty"`
	RescaleFactor float64   `json:"rescale_factor,omitempty"`
	DoNormalize   *bool     `json:"do_normalize,omitempty"`
	ImageMean     []float32 `json:"image_mean,omitempty"`
	ImageStd      []float32 `json:"image_std,omitempty"`
	DoConvertRGB  *bool     `json:"do_convert_rgb,omitempty"`
}

// DefaultConfig matches openai/clip-vit-large-patch14.
func DefaultConfig() Config {
	return Config{
		Size:          Size{ShortestEdge: 224},
		Resample:      ResampleBicubic,
		CropSize:      Size{Height: 224, Width: 224},
		RescaleFactor: 1.0 / 255,
		ImageMean:     append([]float32(nil), ClipMean[:]...),
		ImageStd:      append([]float32(nil), ClipStd[:]...),
	}
}

// LoadConfig reads a processor config file. Fields missing from the file
// keep their CLIP defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read preprocessor config")
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse preprocessor config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the config yields a fixed output geometry.
func (cfg Config) Validate() error {
	if on(cfg.DoResize) && cfg.Size.ShortestEdge <= 0 && !cfg.Size.exact() {
		return errors.New("preprocessor config: resize enabled without a size")
	}
	if !on(cfg.DoCenterCrop) && !(on(cfg.DoResize) && cfg.Size.exact()) {
		return errors.New("preprocessor config: output size is not fixed without center crop or exact resize")
	}
	if on(cfg.DoCenterCrop) && !cfg.CropSize.exact() {
		return errors.New("preprocessor config: center crop enabled without crop_size")
	}
	if on(cfg.DoNormalize) {
		if len(cfg.ImageMean) != 3 || len(cfg.ImageStd) != 3 {
			return errors.Errorf("preprocessor config: need 3 mean and std values, got %d and %d",
				len(cfg.ImageMean), len(cfg.ImageStd))
		}
		for _, s := range cfg.ImageStd {
			if s == 0 {
				return errors.New("preprocessor config: zero image_std")
			}
		}
	}
	if _, ok := resamplers[cfg.Resample]; !ok {
		return errors.Errorf("preprocessor config: unknown resample filter %d", cfg.Resample)
	}
	return nil
}

// OutputSize returns the height and width of every tensor this config produces.
func (cfg Config) OutputSize() (height, width int) {
	if on(cfg.DoCenterCrop) {
		return cfg.CropSize.Height, cfg.CropSize.Width
	}
	return cfg.Size.Height, cfg.Size.Width
}

// resampler scales img to exactly w by h.
type resampler func(img image.Image, w, h int) *image.NRGBA

var resamplers = map[int]resampler{
	ResampleNearest:  nfnt(resize.NearestNeighbor),
	ResampleLanczos:  nfnt(resize.Lanczos3),
	ResampleBilinear: nfnt(resize.Bilinear),
	ResampleBicubic:  nfnt(resize.Bicubic),
	ResampleBox:      withImaging(imaging.Box),
	ResampleHamming:  withImaging(imaging.Hamming),
}

func nfnt(f resize.InterpolationFunction) resampler {
	return func(img image.Image, w, h int) *image.NRGBA {
		return imaging.Clone(resize.Resize(uint(w), uint(h), img, f))
	}
}

func withImaging(f imaging.ResampleFilter) resampler {
	return func(img image.Image, w, h int) *image.NRGBA {
		return imaging.Resize(img, w, h, f)
	}
}

func on(b *bool) bool {
	return b == nil || *b
}
