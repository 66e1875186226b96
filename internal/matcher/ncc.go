package matcher

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/effect"

	"github.com/takeoffworks/autocount/internal/datastore"
	"github.com/takeoffworks/autocount/internal/detect"
	"github.com/takeoffworks/autocount/internal/geometry"
)

// grayPlane is a float64 luminance raster with summed-area tables for O(1)
// window mean and variance.
type grayPlane struct {
	pix  []float64
	w, h int

	// integral tables, (w+1)x(h+1), row-major
	sum   []float64
	sumSq []float64
}

func newGrayPlane(img image.Image) *grayPlane {
	gray := effect.Grayscale(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()

	p := &grayPlane{
		pix:   make([]float64, w*h),
		w:     w,
		h:     h,
		sum:   make([]float64, (w+1)*(h+1)),
		sumSq: make([]float64, (w+1)*(h+1)),
	}
	for y := 0; y < h; y++ {
		rowOff := gray.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			p.pix[y*w+x] = float64(gray.Pix[rowOff+x*4])
		}
	}
	iw := w + 1
	for y := 1; y <= h; y++ {
		for x := 1; x <= w; x++ {
			v := p.pix[(y-1)*w+(x-1)]
			p.sum[y*iw+x] = v + p.sum[(y-1)*iw+x] + p.sum[y*iw+x-1] - p.sum[(y-1)*iw+x-1]
			p.sumSq[y*iw+x] = v*v + p.sumSq[(y-1)*iw+x] + p.sumSq[y*iw+x-1] - p.sumSq[(y-1)*iw+x-1]
		}
	}
	return p
}

// windowStats returns mean and standard deviation of the tw x th window at
// (x, y) from the integral tables.
func (p *grayPlane) windowStats(x, y, tw, th int) (mean, std float64) {
	iw := p.w + 1
	n := float64(tw * th)
	s := p.sum[(y+th)*iw+x+tw] - p.sum[y*iw+x+tw] - p.sum[(y+th)*iw+x] + p.sum[y*iw+x]
	sq := p.sumSq[(y+th)*iw+x+tw] - p.sumSq[y*iw+x+tw] - p.sumSq[(y+th)*iw+x] + p.sumSq[y*iw+x]
	mean = s / n
	variance := sq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// templateStats precomputes the zero-mean template and its L2 norm.
func templateStats(t *grayPlane) (zeroMean []float64, norm float64) {
	n := float64(len(t.pix))
	var s float64
	for _, v := range t.pix {
		s += v
	}
	mean := s / n
	zeroMean = make([]float64, len(t.pix))
	var sq float64
	for i, v := range t.pix {
		d := v - mean
		zeroMean[i] = d
		sq += d * d
	}
	return zeroMean, math.Sqrt(sq)
}

// correlate slides the variant raster over the page and returns every local
// placement whose normalized cross-correlation clears floor. The page is
// first probed on a coarse grid, then each promising probe is refined at
// single-pixel resolution in its neighborhood. Flat windows and flat
// templates correlate to zero.
func (p *grayPlane) correlate(t *grayPlane, floor float64) []detect.MatchResult {
	tw, th := t.w, t.h
	zeroMean, tplNorm := templateStats(t)
	if tplNorm == 0 {
		return nil
	}

	stride := min(tw, th) / 8
	if stride < 1 {
		stride = 1
	}

	maxX := p.w - tw
	maxY := p.h - th

	type peak struct {
		x, y  int
		score float64
	}
	var refined []peak

	for cy := 0; cy <= maxY; cy += stride {
		for cx := 0; cx <= maxX; cx += stride {
			if p.ncc(zeroMean, tplNorm, cx, cy, tw, th) < coarseFloor {
				continue
			}
			best := peak{x: -1}
			for y := max(0, cy-stride); y <= min(maxY, cy+stride); y++ {
				for x := max(0, cx-stride); x <= min(maxX, cx+stride); x++ {
					score := p.ncc(zeroMean, tplNorm, x, y, tw, th)
					if score > best.score {
						best = peak{x: x, y: y, score: score}
					}
				}
			}
			if best.x >= 0 && best.score >= floor {
				refined = append(refined, best)
			}
		}
	}

	results := make([]detect.MatchResult, 0, len(refined))
	for _, pk := range refined {
		box := geometry.Box{X: float64(pk.x), Y: float64(pk.y), W: float64(tw), H: float64(th)}
		results = append(results, detect.MatchResult{
			Box:        box,
			Center:     box.Center(),
			Confidence: math.Min(pk.score, 1.0),
			Source:     datastore.SourceTemplate,
		})
	}
	return results
}

// ncc computes the normalized cross-correlation of the zero-mean template
// against the page window at (x, y).
func (p *grayPlane) ncc(zeroMean []float64, tplNorm float64, x, y, tw, th int) float64 {
	mean, std := p.windowStats(x, y, tw, th)
	if std == 0 {
		return 0
	}
	var dot float64
	for ty := 0; ty < th; ty++ {
		rowOff := (y+ty)*p.w + x
		tplOff := ty * tw
		for tx := 0; tx < tw; tx++ {
			dot += (p.pix[rowOff+tx] - mean) * zeroMean[tplOff+tx]
		}
	}
	windowNorm := std * math.Sqrt(float64(tw*th))
	return dot / (windowNorm * tplNorm)
}
