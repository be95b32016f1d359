package vision

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// PrepareImage loads an image, applies its EXIF orientation, shrinks it to
// fit maxDim on the long side and re-encodes it as JPEG.
func PrepareImage(path string, maxDim, quality int) ([]byte, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: open image %s: %v", ErrPermanent, path, err)
	}

	b := img.Bounds()
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("%w: encode image %s: %v", ErrPermanent, path, err)
	}
	return buf.Bytes(), nil
}
