package objstore

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// FlattenToJPEG decodes image bytes, composites any transparency onto a
// white background and re-encodes as JPEG. Remote embedding backends
// reject alpha channels, so all image-query bytes pass through here.
// Already-opaque JPEG input is returned unchanged.
func FlattenToJPEG(data []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", aerrors.Wrap(aerrors.KindInvalidInput, "decode image", err)
	}
	if format == "jpeg" {
		return data, "image/jpeg", nil
	}

	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: 92}); err != nil {
		return nil, "", aerrors.Wrap(aerrors.KindInternal, "encode image", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
