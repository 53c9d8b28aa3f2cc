// Package preprocess turns caller supplied images into the fixed-size,
// normalized CHW float32 tensors the classifier consumes.
package preprocess

import (
	"context"
	"image"
	"image/color"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// DefaultMaxPixels bounds decoded image area to keep decompression bombs out.
const DefaultMaxPixels = 64 << 20

// maxCropOvershoot bounds the resized area, as a multiple of the crop area,
// before the source is pre-cropped.
const maxCropOvershoot = 4

// Options are runtime knobs that are not part of the model's processor config.
type Options struct {
	// MaxPixels rejects images, and uncropped resize targets, larger than this
	// many pixels. Zero disables the check.
	MaxPixels int64
	// ApplyEXIFOrientation rotates encoded images according to their EXIF orientation tag.
	ApplyEXIFOrientation bool
	// Workers bounds parallel preprocessing in NormalizeBatch. Zero means GOMAXPROCS.
	Workers int
}

// Preprocessor normalizes images according to one processor config.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	cfg  Config
	opts Options
}

// New returns a Preprocessor for cfg.
func New(cfg Config, opts Options) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Preprocessor{cfg: cfg, opts: opts}, nil
}

// Shape is the shape of every tensor Normalize returns: [3, H, W].
func (pp *Preprocessor) Shape() tensor.Shape {
	h, w := pp.cfg.OutputSize()
	return tensor.Shape{3, h, w}
}

// Normalize decodes raw, converts it to RGB, resizes and crops it, and
// returns the rescaled, mean/std normalized pixels as a [3,H,W] float32 tensor.
func (pp *Preprocessor) Normalize(raw RawImage) (*tensor.Dense, error) {
	d, err := pp.decode(raw)
	if err != nil {
		return nil, err
	}
	img := d.img
	if pp.opts.ApplyEXIFOrientation && d.data != nil {
		img = applyOrientation(img, readOrientation(d.data, d.format))
	}

	if !on(pp.cfg.DoConvertRGB) && !isRGB(img.ColorModel()) {
		return nil, errors.Wrap(ErrUnsupportedMode, "image is not RGB and do_convert_rgb is off")
	}
	rgb := toRGB(img)
	if on(pp.cfg.DoResize) {
		if rgb, err = pp.resize(rgb); err != nil {
			return nil, err
		}
	}
	if on(pp.cfg.DoCenterCrop) {
		rgb = centerCrop(rgb, pp.cfg.CropSize.Width, pp.cfg.CropSize.Height)
	}
	return pp.toTensor(rgb), nil
}

// NormalizeBatch normalizes images in parallel. The result has one tensor per
// input, in input order. The first failure aborts the batch.
func (pp *Preprocessor) NormalizeBatch(ctx context.Context, images []RawImage) ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, len(images))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pp.opts.Workers)
	for i, raw := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := pp.Normalize(raw)
			if err != nil {
				return errors.WithMessagef(err, "image %d", i)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// toRGB returns an opaque NRGBA copy of img. Alpha is dropped, not
// composited, so fully transparent pixels keep their stored color.
func toRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// resize scales to the configured shortest edge, keeping aspect ratio, or
// to the exact configured height and width. When a center crop follows and
// the resized image would be far larger than the crop, as with very thin
// images, the source is first cut to the window that survives the crop.
// Without a crop, a resized image above the pixel limit is rejected.
func (pp *Preprocessor) resize(img *image.NRGBA) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	size := pp.cfg.Size

	if size.ShortestEdge <= 0 || (!on(pp.cfg.DoCenterCrop) && size.exact()) {
		return pp.scale(img, size.Width, size.Height), nil
	}

	nw, nh := shortestEdge(w, h, size.ShortestEdge)
	if !on(pp.cfg.DoCenterCrop) {
		if err := pp.checkArea(nw, nh); err != nil {
			return nil, errors.WithMessage(err, "resized")
		}
		return pp.scale(img, nw, nh), nil
	}
	crop := pp.cfg.CropSize
	if int64(nw)*int64(nh) > maxCropOvershoot*int64(crop.Width)*int64(crop.Height) {
		ww := min(w, ceilDiv(crop.Width*w, nw)+2)
		wh := min(h, ceilDiv(crop.Height*h, nh)+2)
		if ww < w || wh < h {
			img = imaging.CropCenter(img, ww, wh)
			nw, nh = max(1, nw*ww/w), max(1, nh*wh/h)
		}
	}
	return pp.scale(img, nw, nh), nil
}

func (pp *Preprocessor) scale(img *image.NRGBA, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	return resamplers[pp.cfg.Resample](img, w, h)
}

// shortestEdge returns the size that brings the shorter side of w by h to edge.
func shortestEdge(w, h, edge int) (int, int) {
	if w <= h {
		return edge, max(1, edge*h/w)
	}
	return max(1, edge*w/h), edge
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// isRGB reports whether m already stores full color.
func isRGB(m color.Model) bool {
	switch m {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model, color.YCbCrModel, color.NYCbCrAModel:
		return true
	}
	return false
}

// centerCrop cuts a w by h window from the middle of img, padding with black
// when img is smaller in either dimension.
func centerCrop(img *image.NRGBA, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	cropped := imaging.CropCenter(img, min(w, b.Dx()), min(h, b.Dy()))
	if cropped.Bounds().Dx() == w && cropped.Bounds().Dy() == h {
		return cropped
	}
	canvas := imaging.New(w, h, color.NRGBA{A: 0xff})
	return imaging.PasteCenter(canvas, cropped)
}

// toTensor lays img out channel-first, applying rescale and normalization.
func (pp *Preprocessor) toTensor(img *image.NRGBA) *tensor.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	scale := float32(1)
	if on(pp.cfg.DoRescale) {
		scale = float32(pp.cfg.RescaleFactor)
	}
	mean := [3]float32{}
	inv := [3]float32{1, 1, 1}
	if on(pp.cfg.DoNormalize) {
		for c := 0; c < 3; c++ {
			mean[c] = pp.cfg.ImageMean[c]
			inv[c] = 1 / pp.cfg.ImageStd[c]
		}
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := 0; x < w; x++ {
			px := row[4*x : 4*x+3]
			i := y*w + x
			for c := 0; c < 3; c++ {
				data[c*plane+i] = (float32(px[c])*scale - mean[c]) * inv[c]
			}
		}
	}
	return tensor.New(tensor.WithShape(3, h, w), tensor.WithBacking(data))
}
