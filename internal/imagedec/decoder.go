// Package imagedec turns the base64 payload of an analyze request into an
// opaque RGB pixel buffer.
package imagedec

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"image"
	"image/color"
	"image/draw"
	"strings"

	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/vincent-petithory/dataurl"

	"github.com/replicate/captioner/internal/errs"
)

const DefaultMaxPixels = 40_000_000

// Image is a decoded, fully opaque picture ready for preprocessing.
type Image struct {
	Pixels *image.NRGBA
	// Format is the registered decoder name, e.g. "png" or "jpeg".
	Format string
	// MediaType is whatever the data URL declared, possibly empty.
	MediaType string
	// Digest is the hex SHA-256 of the encoded image bytes.
	Digest string
}

func (i *Image) Width() int  { return i.Pixels.Rect.Dx() }
func (i *Image) Height() int { return i.Pixels.Rect.Dy() }

type Decoder struct {
	maxPixels int
}

// New returns a Decoder rejecting images whose header declares more than
// maxPixels pixels. A non-positive value uses DefaultMaxPixels.
func New(maxPixels int) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{maxPixels: maxPixels}
}

// Decode decodes payload with the default pixel limit.
func Decode(payload string) (*Image, error) {
	return New(DefaultMaxPixels).Decode(payload)
}

// Decode accepts either a data URL or bare base64 image bytes.
func (d *Decoder) Decode(payload string) (*Image, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errs.Validation("image data is empty")
	}

	data, mediaType, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	return d.DecodeBytes(data, mediaType)
}

// DecodeBytes decodes raw encoded image bytes.
func (d *Decoder) DecodeBytes(data []byte, mediaType string) (*Image, error) {
	if len(data) == 0 {
		return nil, errs.Decode(nil, "image data is empty")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Decode(err, "data is not a supported image")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errs.Decode(nil, "image has no pixels")
	}
	if cfg.Width*cfg.Height > d.maxPixels {
		return nil, errs.Decode(nil, "image is too large (%dx%d)", cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Decode(err, "image data is corrupt")
	}

	sum := sha256.Sum256(data)
	return &Image{
		Pixels:    ToRGB(img),
		Format:    format,
		MediaType: mediaType,
		Digest:    hex.EncodeToString(sum[:]),
	}, nil
}

func decodePayload(payload string) ([]byte, string, error) {
	if !hasDataPrefix(payload) {
		data, err := decodeBase64(payload)
		if err != nil {
			return nil, "", errs.Decode(err, "image data is not valid base64")
		}
		return data, "", nil
	}

	if du, err := dataurl.DecodeString(payload); err == nil {
		return du.Data, du.ContentType(), nil
	}

	// The media type section may not follow RFC 2397; keep everything after
	// the first comma.
	parts := strings.SplitN(payload, ",", 2)
	if len(parts) != 2 {
		return nil, "", errs.Decode(nil, "malformed data URL")
	}
	data, err := decodeBase64(parts[1])
	if err != nil {
		return nil, "", errs.Decode(err, "image data is not valid base64")
	}
	return data, "", nil
}

func hasDataPrefix(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// ToRGB copies src into a zero-origin NRGBA buffer with every alpha set to
// opaque. Colour channels are kept as stored, not composited onto a
// background, and converting an already opaque image is lossless.
func ToRGB(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch s := src.(type) {
	case *image.NRGBA:
		rowLen := 4 * b.Dx()
		for y := 0; y < b.Dy(); y++ {
			off := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowLen], s.Pix[off:off+rowLen])
		}
	case *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		// opaque sources: premultiplied and straight alpha coincide
		rgba := &image.RGBA{Pix: dst.Pix, Stride: dst.Stride, Rect: dst.Rect}
		draw.Draw(rgba, rgba.Rect, s, b.Min, draw.Src)
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				i := dst.PixOffset(x, y)
				dst.Pix[i+0] = c.R
				dst.Pix[i+1] = c.G
				dst.Pix[i+2] = c.B
			}
		}
	}

	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
