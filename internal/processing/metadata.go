package processing

import (
	"bytes"
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"photoingest/internal/models"
)

// ExtractExif reads camera and geo tags. Sources without EXIF (PNG, stripped
// JPEGs) yield an empty result rather than an error.
func ExtractExif(data []byte) models.Exif {
	var out models.Exif

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil || x == nil {
		return out
	}

	if tag, err := x.Get(exif.Make); err == nil {
		if s, err := tag.StringVal(); err == nil {
			out.CameraMake = strings.TrimSpace(s)
		}
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if s, err := tag.StringVal(); err == nil {
			out.CameraModel = strings.TrimSpace(s)
		}
	}
	if t, err := x.DateTime(); err == nil {
		out.TakenAt = &t
	}
	if lat, long, err := x.LatLong(); err == nil {
		out.Latitude = &lat
		out.Longitude = &long
	}
	return out
}

// Palette returns up to n dominant colors as #rrggbb, most frequent first.
func Palette(src image.Image, n int) []string {
	small := imaging.Resize(src, 32, 32, imaging.Box)

	type bucket struct {
		key, r, g, b, count int
	}
	buckets := make(map[int]*bucket)
	bounds := small.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := small.NRGBAAt(x, y)
			if c.A < 128 {
				continue
			}
			// 4 bits per channel
			key := int(c.R>>4)<<8 | int(c.G>>4)<<4 | int(c.B>>4)
			bk, ok := buckets[key]
			if !ok {
				bk = &bucket{key: key}
				buckets[key] = bk
			}
			bk.r += int(c.R)
			bk.g += int(c.G)
			bk.b += int(c.B)
			bk.count++
		}
	}

	ranked := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		ranked = append(ranked, bk)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		si := ranked[i].r + ranked[i].g + ranked[i].b
		sj := ranked[j].r + ranked[j].g + ranked[j].b
		if si != sj {
			return si < sj
		}
		return ranked[i].key < ranked[j].key
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	colors := make([]string, 0, len(ranked))
	for _, bk := range ranked {
		colors = append(colors, fmt.Sprintf("#%02x%02x%02x", bk.r/bk.count, bk.g/bk.count, bk.b/bk.count))
	}
	return colors
}
