package reader

import (
	"errors"
	"fmt"
	"image"
	"os"

	// Registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/franz/dedup-janitor/internal/util"
)

// DecodeImage decodes a still image in any registered format
func DecodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, util.WrapKind(util.ErrIO, "open "+path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, classifyDecodeError(path, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, util.WrapKind(util.ErrCorruptFile, "decode "+path, fmt.Errorf("empty image"))
	}
	return img, nil
}

// ImageDimensions reads only the header of an image
func ImageDimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, util.WrapKind(util.ErrIO, "open "+path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, classifyDecodeError(path, err)
	}
	return cfg.Width, cfg.Height, nil
}

func classifyDecodeError(path string, err error) error {
	if errors.Is(err, image.ErrFormat) {
		return util.WrapKind(util.ErrUnsupportedFormat, "decode "+path, err)
	}
	return util.WrapKind(util.ErrCorruptFile, "decode "+path, err)
}
