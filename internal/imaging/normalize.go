package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	black = 0
	white = 255

	// maxSkewSamples caps the number of dark pixels used for skew estimation.
	maxSkewSamples = 100_000
)

// Normalizer converts receipt photos into binarized, deskewed images.
// It is safe for concurrent use.
type Normalizer struct {
	blockSize int
	offset    int
	maxSkew   float64
	skewStep  float64
	crop      bool
	margin    int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithBlockSize sets the neighbourhood size used by adaptive thresholding. Even values are rounded up.
func WithBlockSize(n int) Option {
	return func(nz *Normalizer) {
		if n >= 3 {
			nz.blockSize = n | 1
		}
	}
}

// WithThresholdOffset sets the constant subtracted from the local mean.
func WithThresholdOffset(c int) Option {
	return func(nz *Normalizer) {
		nz.offset = c
	}
}

// WithMaxSkew bounds the skew search to +/- deg degrees in steps of step degrees.
func WithMaxSkew(deg, step float64) Option {
	return func(nz *Normalizer) {
		if deg >= 0 {
			nz.maxSkew = deg
		}
		if step > 0 {
			nz.skewStep = step
		}
	}
}

// WithCrop toggles cropping to the detected document bounds.
func WithCrop(enabled bool) Option {
	return func(nz *Normalizer) {
		nz.crop = enabled
	}
}

// NewNormalizer returns a Normalizer with a block size of 11 and an offset of 2.
func NewNormalizer(opts ...Option) *Normalizer {
	nz := &Normalizer{
		blockSize: 11,
		offset:    2,
		maxSkew:   10,
		skewStep:  0.5,
		crop:      true,
		margin:    10,
	}
	for _, o := range opts {
		o(nz)
	}
	return nz
}

// Normalize decodes raw and normalizes the result.
func (nz *Normalizer) Normalize(raw RawImage) (*NormalizedImage, error) {
	img, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return nz.NormalizeImage(img)
}

// NormalizeImage runs grayscale, binarization, deskew and crop over an already decoded image.
// Feeding the output back in returns an equivalent image.
func (nz *Normalizer) NormalizeImage(img image.Image) (*NormalizedImage, error) {
	b := img.Bounds()
	if b.Dx() < MinDimension || b.Dy() < MinDimension {
		return nil, fmt.Errorf("%w: %dx%d is below %dx%d", ErrEmptyImage, b.Dx(), b.Dy(), MinDimension, MinDimension)
	}

	gray := toGray(img)
	if !isBinary(gray) {
		gray = adaptiveThreshold(boxBlur(gray), nz.blockSize, nz.offset)
	}

	out := &NormalizedImage{Gray: gray}
	if angle := estimateSkew(gray, nz.maxSkew, nz.skewStep); angle != 0 {
		out.Gray = rotate(gray, angle)
		out.SkewDegrees = angle
	}

	if nz.crop {
		if cropped, ok := cropToContent(out.Gray, nz.margin); ok {
			out.Gray = cropped
			out.Cropped = true
		}
	}

	return out, nil
}

// toGray copies img into a zero-origin grayscale image
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return gray
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			gray.Pix[y*gray.Stride+x] = c.Y
		}
	}
	return gray
}

func isBinary(gray *image.Gray) bool {
	for _, p := range gray.Pix {
		if p != black && p != white {
			return false
		}
	}
	return true
}

// boxBlur applies a 3x3 mean filter to suppress sensor noise
func boxBlur(src *image.Gray) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(src.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := 0, 0
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					sum += int(src.Pix[yy*src.Stride+xx])
					n++
				}
			}
			dst.Pix[y*dst.Stride+x] = uint8(sum / n)
		}
	}
	return dst
}

// adaptiveThreshold marks a pixel dark when it is at least offset below the mean of its block
func adaptiveThreshold(src *image.Gray, block, offset int) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	stride := w + 1
	integral := make([]int64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(src.Pix[y*src.Stride+x])
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + row
		}
	}

	half := block / 2
	dst := image.NewGray(src.Rect)
	for y := 0; y < h; y++ {
		y0, y1 := max(y-half, 0), min(y+half+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-half, 0), min(x+half+1, w)
			count := int64((y1 - y0) * (x1 - x0))
			sum := integral[y1*stride+x1] - integral[y0*stride+x1] - integral[y1*stride+x0] + integral[y0*stride+x0]
			v := int64(src.Pix[y*src.Stride+x])
			if v*count <= sum-int64(offset)*count {
				dst.Pix[y*dst.Stride+x] = black
			} else {
				dst.Pix[y*dst.Stride+x] = white
			}
		}
	}
	return dst
}

// estimateSkew returns the rotation in degrees that makes the dark rows of a
// binary image sharpest. Candidates are visited from 0 outwards so that ties
// keep the smallest correction.
func estimateSkew(gray *image.Gray, maxSkew, step float64) float64 {
	if maxSkew <= 0 || step <= 0 {
		return 0
	}

	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	var dark int
	for _, p := range gray.Pix {
		if p == black {
			dark++
		}
	}
	if dark == 0 {
		return 0
	}
	stride := 1
	if dark > maxSkewSamples {
		stride = dark/maxSkewSamples + 1
	}

	xs := make([]float64, 0, dark/stride+1)
	ys := make([]float64, 0, dark/stride+1)
	cx, cy := float64(w)/2, float64(h)/2
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if gray.Pix[y*gray.Stride+x] != black {
				continue
			}
			if i%stride == 0 {
				xs = append(xs, float64(x)-cx)
				ys = append(ys, float64(y)-cy)
			}
			i++
		}
	}

	diag := int(math.Ceil(math.Hypot(float64(w), float64(h))))
	hist := make([]int, 2*diag+1)
	score := func(deg float64) int {
		clear(hist)
		sin, cos := math.Sincos(deg * math.Pi / 180)
		for k := range xs {
			row := int(math.Round(sin*xs[k]+cos*ys[k])) + diag
			hist[row]++
		}
		total := 0
		for _, c := range hist {
			total += c * c
		}
		return total
	}

	best, bestScore := 0.0, score(0)
	steps := int(math.Round(maxSkew / step))
	for k := 1; k <= steps; k++ {
		for _, deg := range []float64{float64(k) * step, -float64(k) * step} {
			if s := score(deg); s > bestScore {
				best, bestScore = deg, s
			}
		}
	}
	return best
}

// rotate turns a binary image by deg degrees around its center, growing the
// canvas so no content is clipped and filling uncovered pixels with white
func rotate(src *image.Gray, deg float64) *image.Gray {
	sin, cos := math.Sincos(deg * math.Pi / 180)
	w, h := float64(src.Rect.Dx()), float64(src.Rect.Dy())
	nw := int(math.Ceil(math.Abs(w*cos) + math.Abs(h*sin)))
	nh := int(math.Ceil(math.Abs(w*sin) + math.Abs(h*cos)))

	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	for i := range dst.Pix {
		dst.Pix[i] = white
	}

	cx, cy := w/2, h/2
	ncx, ncy := float64(nw)/2, float64(nh)/2
	s2d := f64.Aff3{
		cos, -sin, ncx - cos*cx + sin*cy,
		sin, cos, ncy - sin*cx - cos*cy,
	}
	draw.NearestNeighbor.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst
}

// cropToContent trims white borders around the dark content, keeping margin
// pixels. It reports false when there is nothing worth cropping.
func cropToContent(gray *image.Gray, margin int) (*image.Gray, bool) {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	minX, minY, maxX, maxY := w, h, -1, -1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if gray.Pix[y*gray.Stride+x] != black {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < 0 {
		return nil, false
	}

	r := image.Rect(minX-margin, minY-margin, maxX+margin+1, maxY+margin+1).Intersect(gray.Rect)
	if r.Eq(gray.Rect) || r.Dx() < MinDimension || r.Dy() < MinDimension {
		return nil, false
	}

	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+r.Dx()], gray.Pix[(r.Min.Y+y)*gray.Stride+r.Min.X:])
	}
	return out, true
}
