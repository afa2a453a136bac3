package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"mime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"photoingest/internal/models"
)

// Rendition is one encoded derivative.
type Rendition struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Deriver renders a single variant from a decoded source image.
type Deriver interface {
	Derive(ctx context.Context, src image.Image, v models.VariantConfig) (Rendition, error)
}

// ImagingDeriver resizes and encodes with disintegration/imaging and draws the
// optional text watermark with freetype.
type ImagingDeriver struct {
	WatermarkText string

	fontOnce sync.Once
	font     *truetype.Font
	fontErr  error
}

func NewImagingDeriver(watermarkText string) *ImagingDeriver {
	return &ImagingDeriver{WatermarkText: watermarkText}
}

func (d *ImagingDeriver) Derive(ctx context.Context, src image.Image, v models.VariantConfig) (Rendition, error) {
	const op = "processing.Derive"

	if err := ctx.Err(); err != nil {
		return Rendition{}, err
	}

	var dst image.Image
	switch {
	case v.Fill && v.Width > 0 && v.Height > 0:
		dst = imaging.Fill(src, v.Width, v.Height, imaging.Center, imaging.Lanczos)
	default:
		dst = imaging.Fit(src, dimension(v.Width), dimension(v.Height), imaging.Lanczos)
	}

	if v.Watermark {
		marked, err := d.watermark(dst)
		if err != nil {
			return Rendition{}, fmt.Errorf("%s: %w", op, err)
		}
		dst = marked
	}

	ext := VariantExt(v)
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return Rendition{}, permanent(fmt.Errorf("%s: variant %s: %w", op, v.Name, err))
	}

	var opts []imaging.EncodeOption
	if v.Quality > 0 {
		opts = append(opts, imaging.JPEGQuality(v.Quality))
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, format, opts...); err != nil {
		return Rendition{}, fmt.Errorf("%s: %w", op, err)
	}

	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Rendition{Data: buf.Bytes(), ContentType: contentType, Ext: ext}, nil
}

// dimension maps an unset bound to a size Fit will never reach.
func dimension(n int) int {
	if n <= 0 {
		return 1 << 16
	}
	return n
}

func (d *ImagingDeriver) watermark(src image.Image) (image.Image, error) {
	d.fontOnce.Do(func() {
		d.font, d.fontErr = freetype.ParseFont(goregular.TTF)
	})
	if d.fontErr != nil {
		return nil, d.fontErr
	}

	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	size := float64(b.Dx()) / 24
	if size < 12 {
		size = 12
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(d.font)
	c.SetFontSize(size)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 160}))

	pt := freetype.Pt(10, dst.Bounds().Dy()-10)
	if _, err := c.DrawString(d.WatermarkText, pt); err != nil {
		return nil, err
	}
	return dst, nil
}

// VariantExt is the file extension a variant is encoded with.
func VariantExt(v models.VariantConfig) string {
	ext := strings.TrimPrefix(strings.ToLower(v.Format), ".")
	if ext == "" {
		return "jpg"
	}
	return ext
}
