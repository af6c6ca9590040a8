// Package imaging computes the digests and derived encodings the
// reconciliation flow needs: a raw byte hash, a normalized content digest
// that survives re-encoding and metadata edits, lastCapture thumbnails,
// and the size bound applied before images are sent to the inference
// service.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// digestBoxPx is the fixed bounding box images are downscaled into
	// before pixel hashing. Changing it changes every stored digest.
	digestBoxPx = 512

	thumbJPEGQuality  = 80
	resizeJPEGQuality = 85
	resizeBoundW      = 1920
	resizeBoundH      = 1080
)

// SHA256Hex returns the hex digest of raw bytes (tier-1 equality).
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentDigest hashes image content rather than file bytes: EXIF
// orientation applied, metadata discarded, pixels converted to RGB,
// downscaled deterministically into a 512x512 box, then the raw pixel
// buffer is hashed. Two files that differ only in compression or
// metadata produce the same digest.
func ContentDigest(data []byte) (string, error) {
	img, err := decodeOriented(data)
	if err != nil {
		return "", err
	}
	scaled := scaleToFit(img, digestBoxPx, digestBoxPx)
	px := scaled.Pix
	rgb := make([]byte, 0, len(px)/4*3)
	for i := 0; i+3 < len(px); i += 4 {
		rgb = append(rgb, px[i], px[i+1], px[i+2])
	}
	sum := sha256.Sum256(rgb)
	return hex.EncodeToString(sum[:]), nil
}

// ThumbnailB64 returns a base64 JPEG thumbnail with the longest side
// bounded to maxPx, for embedding in lastCapture documents.
func ThumbnailB64(data []byte, maxPx int) (string, error) {
	img, err := decodeOriented(data)
	if err != nil {
		return "", err
	}
	th := scaleToFit(img, maxPx, maxPx)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, th, &jpeg.Options{Quality: thumbJPEGQuality}); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// FitUnderBytes returns data unchanged when it is already within
// maxBytes; otherwise the image is downscaled to fit 1920x1080 and
// re-encoded as JPEG. The result is not guaranteed to be under the
// limit, it is the single bounded-downscale step the inference service
// expects.
func FitUnderBytes(data []byte, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 || len(data) <= maxBytes {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	small := scaleToFit(img, resizeBoundW, resizeBoundH)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: resizeJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions reports the pixel width and height without decoding the
// full image.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func decodeOriented(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return applyOrientation(img, exifOrientation(data)), nil
}

// exifOrientation reads the EXIF orientation tag, defaulting to 1
// (upright) when the image has no EXIF block or the tag is unusable.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation maps pixels according to the EXIF orientation values
// 2..8; 1 and anything out of range return the image untouched.
func applyOrientation(src image.Image, orient int) image.Image {
	if orient <= 1 || orient > 8 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.NRGBA
	if orient >= 5 {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			var dx, dy int
			switch orient {
			case 2: // mirror horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // mirror vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 cw
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 270 cw
				dx, dy = y, w-1-x
			}
			dst.Set(dx, dy, c)
		}
	}
	return dst
}

// scaleToFit shrinks src to fit within boxW x boxH preserving aspect
// ratio (never enlarging) and converts it to NRGBA. Catmull-Rom keeps
// the downscale deterministic across platforms.
func scaleToFit(src image.Image, boxW, boxH int) *image.NRGBA {
	b := src.Bounds()
	w, h := fitBox(b.Dx(), b.Dy(), boxW, boxH)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func fitBox(w, h, boxW, boxH int) (int, int) {
	if w <= boxW && h <= boxH {
		return w, h
	}
	scale := math.Min(float64(boxW)/float64(w), float64(boxH)/float64(h))
	nw := int(math.Floor(float64(w) * scale))
	nh := int(math.Floor(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
