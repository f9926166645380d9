package model

import (
	"errors"
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// Inputs is the pixel tensor fed to the vision encoder, laid out NCHW.
type Inputs struct {
	Pixels []float32
	Shape  [4]int64
}

type Preprocessor struct {
	cfg PreprocessConfig
}

func NewPreprocessor(cfg PreprocessConfig) *Preprocessor {
	return &Preprocessor{cfg: cfg}
}

// Prepare resizes, rescales and normalizes img. It is a pure function of
// its input.
func (p *Preprocessor) Prepare(img image.Image) (*Inputs, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("image has no pixels")
	}

	src := img
	if p.cfg.DoResize {
		b := img.Bounds()
		if b.Dx() != p.cfg.Width || b.Dy() != p.cfg.Height {
			src = resize.Resize(uint(p.cfg.Width), uint(p.cfg.Height), img, interpolation(p.cfg.Resample))
		}
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)

	var scale float32 = 1
	if p.cfg.DoRescale {
		scale = p.cfg.RescaleFactor
	}
	mean, std := [3]float32{}, [3]float32{1, 1, 1}
	if p.cfg.DoNormalize {
		mean, std = p.cfg.Mean, p.cfg.Std
	}

	nrgba, isNRGBA := src.(*image.NRGBA)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl uint8
			if isNRGBA {
				i := nrgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl = nrgba.Pix[i], nrgba.Pix[i+1], nrgba.Pix[i+2]
			} else {
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				r, g, bl = c.R, c.G, c.B
			}
			idx := y*w + x
			out[idx] = (float32(r)*scale - mean[0]) / std[0]
			out[plane+idx] = (float32(g)*scale - mean[1]) / std[1]
			out[2*plane+idx] = (float32(bl)*scale - mean[2]) / std[2]
		}
	}

	return &Inputs{Pixels: out, Shape: [4]int64{1, 3, int64(h), int64(w)}}, nil
}

func interpolation(resample int) resize.InterpolationFunction {
	switch resample {
	case ResampleNearest:
		return resize.NearestNeighbor
	case ResampleLanczos:
		return resize.Lanczos3
	case ResampleBilinear:
		return resize.Bilinear
	default:
		return resize.Bicubic
	}
}
