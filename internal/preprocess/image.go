package preprocess

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode marks input that is not a readable image.
	ErrDecode = errors.New("cannot decode image")
	// ErrUnsupportedMode marks pixel data that cannot be converted to RGB.
	ErrUnsupportedMode = errors.New("unsupported color mode")
)

// RawImage is an image as supplied by a caller: encoded bytes, a file on
// disk, or already decoded pixels. The preprocessor only reads it.
type RawImage interface {
	// source returns the encoded bytes, or the decoded image when there are none.
	source() ([]byte, image.Image, error)
}

// Bytes is an encoded image held in memory, e.g. an uploaded file.
type Bytes []byte

func (b Bytes) source() ([]byte, image.Image, error) {
	return b, nil, nil
}

// Path is an encoded image on the local filesystem.
type Path string

func (p Path) source() ([]byte, image.Image, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrDecode, "reading %q: %v", string(p), err)
	}
	return data, nil, nil
}

// Pixels wraps an already decoded image. The color mode is whatever
// img.ColorModel reports.
type Pixels struct {
	Image image.Image
}

func (p Pixels) source() ([]byte, image.Image, error) {
	return nil, p.Image, nil
}

// decoded is a RawImage resolved to pixels, keeping the encoded form when known.
type decoded struct {
	img    image.Image
	data   []byte
	format string
}

func (pp *Preprocessor) decode(raw RawImage) (decoded, error) {
	if raw == nil {
		return decoded{}, errors.Wrap(ErrDecode, "no image")
	}
	data, img, err := raw.source()
	if err != nil {
		return decoded{}, err
	}
	if img != nil {
		if err := checkPixels(img); err != nil {
			return decoded{}, err
		}
		if err := pp.checkArea(img.Bounds().Dx(), img.Bounds().Dy()); err != nil {
			return decoded{}, err
		}
		return decoded{img: img}, nil
	}
	if _, ok := raw.(Pixels); ok {
		return decoded{}, errors.Wrap(ErrUnsupportedMode, "no pixel data")
	}
	if len(data) == 0 {
		return decoded{}, errors.Wrap(ErrDecode, "empty input")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return decoded{}, errors.Wrap(ErrDecode, err.Error())
	}
	if err := pp.checkArea(cfg.Width, cfg.Height); err != nil {
		return decoded{}, err
	}

	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return decoded{}, errors.Wrap(ErrDecode, err.Error())
	}
	if err := checkPixels(img); err != nil {
		return decoded{}, err
	}
	return decoded{img: img, data: data, format: format}, nil
}

func (pp *Preprocessor) checkArea(w, h int) error {
	if pp.opts.MaxPixels > 0 && int64(w)*int64(h) > pp.opts.MaxPixels {
		return errors.Wrapf(ErrDecode, "image is %dx%d, above the %d pixel limit", w, h, pp.opts.MaxPixels)
	}
	return nil
}

// checkPixels rejects images that have nothing to convert to RGB.
func checkPixels(img image.Image) error {
	if img.ColorModel() == nil {
		return errors.Wrap(ErrUnsupportedMode, "image has no color model")
	}
	if p, ok := img.(*image.Paletted); ok && len(p.Palette) == 0 {
		return errors.Wrap(ErrUnsupportedMode, "paletted image with empty palette")
	}
	if pal, ok := img.ColorModel().(color.Palette); ok && len(pal) == 0 {
		return errors.Wrap(ErrUnsupportedMode, "empty palette")
	}
	if img.Bounds().Empty() {
		return errors.Wrap(ErrDecode, "image has no pixels")
	}
	return nil
}
