package processing

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	// Register decoders beyond the formats imaging pulls in itself.
	_ "golang.org/x/image/webp"
)

// derivedAssets holds the encoded outputs of one processing attempt plus the
// source dimensions recorded on the image row.
type derivedAssets struct {
	thumbnail []byte
	preview   []byte
	width     int
	height    int
}

// decodeError marks a payload that can never be processed; it is not retried.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return fmt.Sprintf("decode image: %v", e.err) }
func (e *decodeError) Unwrap() error { return e.err }

// derive produces the thumbnail (bounded-box resize) and the blurred preview
// (downscale then gaussian blur, encoded at reduced quality to keep derived
// assets small).
func derive(data []byte, thumbDim, previewDim int, blurSigma float64, quality int) (*derivedAssets, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &decodeError{err: err}
	}
	bounds := src.Bounds()

	thumb := imaging.Fit(src, thumbDim, thumbDim, imaging.Lanczos)
	thumbBytes, err := encodeJPEG(thumb, quality)
	if err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	preview := imaging.Fit(src, previewDim, previewDim, imaging.Lanczos)
	preview = imaging.Blur(preview, blurSigma)
	previewBytes, err := encodeJPEG(preview, quality)
	if err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}

	return &derivedAssets{
		thumbnail: thumbBytes,
		preview:   previewBytes,
		width:     bounds.Dx(),
		height:    bounds.Dy(),
	}, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// thumbnailKey and previewKey are deterministic in the image id so repeated
// processing overwrites rather than duplicates.
func thumbnailKey(imageID string) string { return fmt.Sprintf("derived/%s/thumb.jpg", imageID) }
func previewKey(imageID string) string   { return fmt.Sprintf("derived/%s/preview.jpg", imageID) }
