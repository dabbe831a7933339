package extractor

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrSurfaceUnavailable is returned when the surface has been released or has
// not rendered anything yet. Callers treat it as "no frame", never as fatal.
var ErrSurfaceUnavailable = errors.New("surface unavailable")

// SizeForDesired scales (width, height) so the longer side becomes desired,
// keeping the aspect ratio. The shorter side is rounded to the nearest pixel.
func SizeForDesired(width, height, desired int) (int, int) {
	if width <= 0 || height <= 0 {
		return desired, desired
	}
	if width > height {
		return desired, int(math.Round(float64(height) / float64(width) * float64(desired)))
	}
	return int(math.Round(float64(width) / float64(height) * float64(desired))), desired
}

// Surface is the display target the player renders decoded frames into.
// Render is called by the player goroutine, Snapshot by whoever reacts to a
// frame-available notification.
type Surface struct {
	mu       sync.RWMutex
	width    int
	height   int
	img      image.Image
	position time.Duration
	released bool
}

// NewSurface creates a surface of the given display size.
func NewSurface(width, height int) *Surface {
	return &Surface{width: width, height: height}
}

// Size returns the display size of the surface.
func (s *Surface) Size() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

// Position returns the playback position of the frame currently on the surface.
func (s *Surface) Position() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// Render puts a decoded frame on the surface.
func (s *Surface) Render(img image.Image, position time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSurfaceUnavailable
	}
	s.img = img
	s.position = position
	return nil
}

// Snapshot returns the current surface content scaled to width x height.
func (s *Surface) Snapshot(width, height int) (image.Image, error) {
	s.mu.RLock()
	img, released := s.img, s.released
	s.mu.RUnlock()

	if released || img == nil {
		return nil, ErrSurfaceUnavailable
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid snapshot size %dx%d", width, height)
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return imaging.Clone(img), nil
	}
	return imaging.Resize(img, width, height, imaging.Linear), nil
}

// Release tears the surface down. It is safe to call more than once.
func (s *Surface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.img = nil
}

// Released reports whether Release has been called.
func (s *Surface) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}
