// Package overlay draws a detected skeleton on top of the frame it was
// detected in.
package overlay

import (
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/posescore"
)

const (
	lineWidth   = 3
	jointRadius = 4
)

type side int

const (
	trunk side = iota
	left
	right
)

func sideOf(i int) side {
	switch i {
	case posescore.LeftShoulder, posescore.LeftElbow, posescore.LeftWrist,
		posescore.LeftHip, posescore.LeftKnee, posescore.LeftAnkle:
		return left
	case posescore.RightShoulder, posescore.RightElbow, posescore.RightWrist,
		posescore.RightHip, posescore.RightKnee, posescore.RightAnkle:
		return right
	}
	return trunk
}

func setColor(dc *gg.Context, s side) {
	switch s {
	case left:
		dc.SetRGB(0, 1, 0)
	case right:
		dc.SetRGB(1, 1, 0)
	default:
		dc.SetRGB(1, 1, 1)
	}
}

func valid(p posescore.Point) bool {
	return !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsNaN(p.X) && !math.IsNaN(p.Y)
}

// Draw returns a copy of img with the skeleton drawn on it. points are in the
// coordinates of img. Limbs touching a left or right joint take that side's
// color; the rest is trunk.
func Draw(img image.Image, points []posescore.Point) image.Image {
	dc := gg.NewContextForImage(img)
	if len(points) < posescore.NumPoints {
		return dc.Image()
	}

	dc.SetLineWidth(lineWidth)
	for _, limb := range posescore.Limbs {
		a, b := points[limb[0]], points[limb[1]]
		if !valid(a) || !valid(b) {
			continue
		}
		s := sideOf(limb[1])
		if s == trunk {
			s = sideOf(limb[0])
		}
		setColor(dc, s)
		dc.DrawLine(a.X, a.Y, b.X, b.Y)
		dc.Stroke()
	}

	for i, p := range points {
		if !valid(p) {
			continue
		}
		setColor(dc, sideOf(i))
		dc.DrawCircle(p.X, p.Y, jointRadius)
		dc.Fill()
	}
	return dc.Image()
}

// Save writes img to path; the format follows the file extension.
func Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create overlay directory")
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		return errors.Wrapf(err, "failed to save overlay %s", path)
	}
	return nil
}
