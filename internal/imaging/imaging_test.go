package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x * 7) % 256),
				G: uint8((y * 13) % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image, level png.CompressionLevel) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestContentDigestIgnoresBytesOutsidePixels(t *testing.T) {
	img := gradientImage(300, 200)
	plain := encodePNG(t, img, png.DefaultCompression)

	// Trailing junk changes the raw hash but not the decoded pixels.
	withJunk := append(append([]byte{}, plain...), []byte("camera-firmware-metadata")...)
	if SHA256Hex(plain) == SHA256Hex(withJunk) {
		t.Fatal("test setup: raw hashes should differ")
	}

	d1, err := ContentDigest(plain)
	if err != nil {
		t.Fatalf("ContentDigest(plain): %v", err)
	}
	d2, err := ContentDigest(withJunk)
	if err != nil {
		t.Fatalf("ContentDigest(withJunk): %v", err)
	}
	if d1 != d2 {
		t.Errorf("content digest changed with trailing metadata: %s vs %s", d1, d2)
	}

	// Same pixels, different compression level.
	recompressed := encodePNG(t, img, png.BestCompression)
	d3, err := ContentDigest(recompressed)
	if err != nil {
		t.Fatalf("ContentDigest(recompressed): %v", err)
	}
	if d1 != d3 {
		t.Errorf("content digest changed with compression level: %s vs %s", d1, d3)
	}
}

func TestContentDigestDetectsPixelChange(t *testing.T) {
	base := gradientImage(300, 200)
	edited := gradientImage(300, 200)
	for y := 50; y < 120; y++ {
		for x := 50; x < 120; x++ {
			edited.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	d1, err := ContentDigest(encodePNG(t, base, png.DefaultCompression))
	if err != nil {
		t.Fatalf("ContentDigest(base): %v", err)
	}
	d2, err := ContentDigest(encodePNG(t, edited, png.DefaultCompression))
	if err != nil {
		t.Fatalf("ContentDigest(edited): %v", err)
	}
	if d1 == d2 {
		t.Error("different pixel content must produce different digests")
	}
}

func TestContentDigestRejectsGarbage(t *testing.T) {
	if _, err := ContentDigest([]byte("not an image at all")); err == nil {
		t.Error("expected error for undecodable bytes")
	}
}

func TestThumbnailB64Bounds(t *testing.T) {
	data := encodePNG(t, gradientImage(400, 100), png.DefaultCompression)
	b64, err := ThumbnailB64(data, 64)
	if err != nil {
		t.Fatalf("ThumbnailB64: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("thumbnail is not valid base64: %v", err)
	}
	th, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("thumbnail is not a JPEG: %v", err)
	}
	b := th.Bounds()
	if b.Dx() != 64 || b.Dy() != 16 {
		t.Errorf("thumbnail = %dx%d, want 64x16", b.Dx(), b.Dy())
	}
}

func TestFitUnderBytes(t *testing.T) {
	small := encodePNG(t, gradientImage(120, 80), png.DefaultCompression)
	got, err := FitUnderBytes(small, len(small))
	if err != nil {
		t.Fatalf("FitUnderBytes(small): %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Error("image within limit must be returned unchanged")
	}

	big := encodePNG(t, gradientImage(2000, 500), png.DefaultCompression)
	got, err = FitUnderBytes(big, 10)
	if err != nil {
		t.Fatalf("FitUnderBytes(big): %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(got))
	if err != nil {
		t.Fatalf("resized output is not a JPEG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 1920 || b.Dy() != 480 {
		t.Errorf("resized = %dx%d, want 1920x480", b.Dx(), b.Dy())
	}
}

func TestDimensions(t *testing.T) {
	data := encodePNG(t, gradientImage(33, 44), png.DefaultCompression)
	w, h, err := Dimensions(data)
	if err != nil {
		t.Fatalf("Dimensions: %v", err)
	}
	if w != 33 || h != 44 {
		t.Errorf("Dimensions = %dx%d, want 33x44", w, h)
	}
	if _, _, err := Dimensions([]byte("junk")); err == nil {
		t.Error("expected error for undecodable bytes")
	}
}

func TestApplyOrientation(t *testing.T) {
	// A 2x1 strip: red on the left, green on the right.
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	red := color.NRGBA{R: 255, A: 255}
	green := color.NRGBA{G: 255, A: 255}
	src.Set(0, 0, red)
	src.Set(1, 0, green)

	at := func(img image.Image, x, y int) color.NRGBA {
		return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	}

	// Orientation 6: rotate 90 degrees clockwise, strip becomes vertical.
	rot := applyOrientation(src, 6)
	if b := rot.Bounds(); b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("orientation 6 bounds = %v, want 1x2", b)
	}
	if at(rot, 0, 0) != red || at(rot, 0, 1) != green {
		t.Error("orientation 6: left pixel should rotate to the top")
	}

	// Orientation 3: rotate 180, colors swap ends.
	flip := applyOrientation(src, 3)
	if at(flip, 0, 0) != green || at(flip, 1, 0) != red {
		t.Error("orientation 3: pixels should swap ends")
	}

	// Orientation 1 is a no-op and returns the image as-is.
	if applyOrientation(src, 1) != image.Image(src) {
		t.Error("orientation 1 should return the source untouched")
	}
}
