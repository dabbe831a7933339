// Package posescore reduces detected landmarks to a 15 point skeleton, derives
// joint angles from it and compares two poses by their angles.
package posescore

import (
	"math"

	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/models"
)

// DefaultThreshold is the minimum per-angle similarity that counts towards a
// score.
const DefaultThreshold = 50.0

// Skeleton point indexes.
const (
	Nose = iota
	Neck
	RightShoulder
	RightElbow
	RightWrist
	LeftShoulder
	LeftElbow
	LeftWrist
	RightHip
	RightKnee
	RightAnkle
	LeftHip
	LeftKnee
	LeftAnkle
	Navel

	NumPoints
)

// Detector landmark indexes used to build the skeleton.
const (
	lmNose          = 0
	lmLeftShoulder  = 11
	lmRightShoulder = 12
	lmLeftElbow     = 13
	lmRightElbow    = 14
	lmLeftWrist     = 15
	lmRightWrist    = 16
	lmLeftHip       = 23
	lmRightHip      = 24
	lmLeftKnee      = 25
	lmRightKnee     = 26
	lmLeftAnkle     = 27
	lmRightAnkle    = 28

	// MinLandmarks is the number of landmarks a full-body detection carries.
	MinLandmarks = 33
)

// ErrTooFewLandmarks is returned for partial detections.
var ErrTooFewLandmarks = errors.New("pose has too few landmarks")

// Point is a 2D image position.
type Point struct {
	X, Y float64
}

// Limbs lists the skeleton segments as pairs of point indexes.
var Limbs = [][2]int{
	{Nose, Neck},
	{Neck, RightShoulder}, {RightShoulder, RightElbow}, {RightElbow, RightWrist},
	{Neck, LeftShoulder}, {LeftShoulder, LeftElbow}, {LeftElbow, LeftWrist},
	{Neck, Navel},
	{Navel, RightHip}, {RightHip, RightKnee}, {RightKnee, RightAnkle},
	{Navel, LeftHip}, {LeftHip, LeftKnee}, {LeftKnee, LeftAnkle},
}

// angleJoints lists (first, mid, last) triples; the angle is measured at mid.
var angleJoints = [][3]int{
	{LeftShoulder, RightShoulder, RightWrist},
	{RightShoulder, RightElbow, RightWrist},
	{RightShoulder, LeftShoulder, LeftWrist},
	{LeftShoulder, LeftElbow, LeftWrist},
	{Navel, RightHip, RightKnee},
	{RightHip, RightKnee, RightAnkle},
	{Navel, LeftHip, LeftKnee},
	{LeftHip, LeftKnee, LeftAnkle},
	{RightShoulder, LeftShoulder, LeftHip},
	{LeftShoulder, RightShoulder, RightHip},
	{RightShoulder, RightHip, RightAnkle},
	{LeftShoulder, LeftHip, LeftAnkle},
	{Nose, Navel, LeftAnkle},
	{Nose, Navel, RightAnkle},
}

// NumAngles is the length of the slice returned by Angles.
var NumAngles = len(angleJoints)

// To15Points reduces a full-body detection to the skeleton. The neck sits
// between the shoulders and the navel where the shoulder-to-opposite-hip
// diagonals cross.
func To15Points(landmarks []models.Landmark) ([]Point, error) {
	if len(landmarks) < MinLandmarks {
		return nil, errors.Wrapf(ErrTooFewLandmarks, "got %d, need %d", len(landmarks), MinLandmarks)
	}
	at := func(i int) Point {
		return Point{X: landmarks[i].X, Y: landmarks[i].Y}
	}

	ls, rs := at(lmLeftShoulder), at(lmRightShoulder)
	lh, rh := at(lmLeftHip), at(lmRightHip)

	points := make([]Point, NumPoints)
	points[Nose] = at(lmNose)
	points[Neck] = Point{X: (ls.X-rs.X)/2 + rs.X, Y: ls.Y}
	points[RightShoulder] = rs
	points[RightElbow] = at(lmRightElbow)
	points[RightWrist] = at(lmRightWrist)
	points[LeftShoulder] = ls
	points[LeftElbow] = at(lmLeftElbow)
	points[LeftWrist] = at(lmLeftWrist)
	points[RightHip] = rh
	points[RightKnee] = at(lmRightKnee)
	points[RightAnkle] = at(lmRightAnkle)
	points[LeftHip] = lh
	points[LeftKnee] = at(lmLeftKnee)
	points[LeftAnkle] = at(lmLeftAnkle)
	points[Navel] = lineIntersection(rs, lh, ls, rh)
	return points, nil
}

// Angles returns the joint angles of a skeleton in degrees, or nil when
// points is not a full skeleton.
func Angles(points []Point) []float64 {
	if len(points) < NumPoints {
		return nil
	}
	angles := make([]float64, 0, len(angleJoints))
	for _, j := range angleJoints {
		angles = append(angles, Angle(points[j[0]], points[j[1]], points[j[2]]))
	}
	return angles
}

// AnglesFromLandmarks is To15Points followed by Angles.
func AnglesFromLandmarks(landmarks []models.Landmark) ([]float64, error) {
	points, err := To15Points(landmarks)
	if err != nil {
		return nil, err
	}
	return Angles(points), nil
}

// Angle returns the angle at mid between the rays to first and last, in
// [0, 180] degrees.
func Angle(first, mid, last Point) float64 {
	theta := math.Atan2(last.Y-mid.Y, last.X-mid.X) - math.Atan2(first.Y-mid.Y, first.X-mid.X)
	if theta > math.Pi {
		theta -= 2 * math.Pi
	}
	if theta < -math.Pi {
		theta += 2 * math.Pi
	}
	return math.Abs(theta * 180 / math.Pi)
}

// Score compares two angle sets and returns a similarity in [0, 100]. Each
// angle scores 100 minus its difference scaled to 180 degrees; angles scoring
// below threshold count as zero. Only the common prefix is compared.
func Score(reference, current []float64, threshold float64) float64 {
	n := min(len(reference), len(current))
	if n == 0 {
		return 0
	}
	var total float64
	for i := 0; i < n; i++ {
		diff := math.Abs(math.Abs(current[i]) - math.Abs(reference[i]))
		if diff > 180 {
			continue
		}
		s := 100 - diff/180*100
		if s >= threshold {
			total += s
		}
	}
	return total / float64(n)
}

// lineIntersection returns where line ab crosses line cd. Parallel lines
// yield the point at infinity.
func lineIntersection(a, b, c, d Point) Point {
	a1 := b.Y - a.Y
	b1 := a.X - b.X
	c1 := a1*a.X + b1*a.Y

	a2 := d.Y - c.Y
	b2 := c.X - d.X
	c2 := a2*c.X + b2*c.Y

	det := a1*b2 - a2*b1
	if det == 0 {
		return Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	return Point{
		X: (b2*c1 - b1*c2) / det,
		Y: (a1*c2 - a2*c1) / det,
	}
}
