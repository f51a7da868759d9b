// Package phash computes coarse perceptual fingerprints of image regions and
// compares them. It is the local integrity guard for generative edits: when
// two crops of what should be the same subject drift apart, the aggregate
// similarity drops and the candidate is rejected without consulting any
// external service.
package phash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	"golang.org/x/image/draw"
)

// Fingerprints are difference hashes over a hashW x hashH luma grid: the
// region is downsampled to (hashW+1) x hashH samples and bit i is set when a
// cell is brighter than its right neighbor.
const (
	hashW = 8
	hashH = 8
)

// Region is a named rectangle expressed as fractions of the full image size.
type Region struct {
	Name string
	X    float64
	Y    float64
	W    float64
	H    float64
}

// FullImage covers the entire image as a single region.
func FullImage() []Region {
	return []Region{{Name: "full", X: 0, Y: 0, W: 1, H: 1}}
}

// Fingerprint hashes one region of img. It reports false when the region
// clamps to an empty rectangle.
func Fingerprint(img image.Image, r Region) (uint64, bool) {
	crop := regionBounds(img.Bounds(), r)
	if crop.Dx() < 1 || crop.Dy() < 1 {
		return 0, false
	}

	grid := image.NewGray(image.Rect(0, 0, hashW+1, hashH))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), img, crop, draw.Src, nil)

	var fp uint64
	for y := 0; y < hashH; y++ {
		for x := 0; x < hashW; x++ {
			if grid.GrayAt(x, y).Y > grid.GrayAt(x+1, y).Y {
				fp |= 1 << uint(y*hashW+x)
			}
		}
	}
	return fp, true
}

// Similarity is 1 minus the normalized Hamming distance of two fingerprints.
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/float64(hashW*hashH)
}

// Compare aggregates per-region similarity between two images as the mean of
// the regions both sides could fingerprint. It reports false when no region
// was comparable, in which case the gate must abstain rather than reject.
func Compare(a, b image.Image, regions []Region) (float64, bool) {
	if len(regions) == 0 {
		regions = FullImage()
	}

	var sum float64
	var n int
	for _, r := range regions {
		fa, okA := Fingerprint(a, r)
		fb, okB := Fingerprint(b, r)
		if !okA || !okB {
			continue
		}
		sum += Similarity(fa, fb)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Decode decodes JPEG or PNG bytes.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func regionBounds(full image.Rectangle, r Region) image.Rectangle {
	fx := clamp01(r.X)
	fy := clamp01(r.Y)
	fw := clamp01(r.W)
	fh := clamp01(r.H)
	if fx+fw > 1 {
		fw = 1 - fx
	}
	if fy+fh > 1 {
		fh = 1 - fy
	}

	w := float64(full.Dx())
	h := float64(full.Dy())
	return image.Rect(
		full.Min.X+int(fx*w),
		full.Min.Y+int(fy*h),
		full.Min.X+int((fx+fw)*w),
		full.Min.Y+int((fy+fh)*h),
	)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
