// Package sampler turns a stream of playback positions into at most one
// snapshot request per coarse time unit.
package sampler

import "github.com/bdougie/posepace/internal/models"

// DefaultUnitMs is the length of one coarse time unit.
const DefaultUnitMs = 1000

// Sampler remembers the last observed unit. It is owned by the goroutine that
// delivers frame-available notifications and is not safe for concurrent use.
type Sampler struct {
	unitMs       int64
	archiveEvery int64

	last   int64
	primed bool
}

// New creates a sampler. A non-positive unitMs falls back to DefaultUnitMs; a
// non-positive archiveEvery never tags frames for archival.
func New(unitMs, archiveEvery int64) *Sampler {
	if unitMs <= 0 {
		unitMs = DefaultUnitMs
	}
	return &Sampler{unitMs: unitMs, archiveEvery: archiveEvery}
}

// Sample reports whether positionMs starts a new unit. Repeated reads within
// the same unit return false and must not produce a snapshot.
func (s *Sampler) Sample(positionMs int64) (models.ClockSample, bool) {
	unit := floorDiv(positionMs, s.unitMs)
	if s.primed && unit == s.last {
		return models.ClockSample{}, false
	}
	s.last = unit
	s.primed = true

	return models.ClockSample{
		PositionMs: positionMs,
		Unit:       unit,
		Archive:    s.archiveEvery > 0 && unit%s.archiveEvery == 0,
	}, true
}

// LastUnit returns the last observed unit, if any.
func (s *Sampler) LastUnit() (int64, bool) {
	return s.last, s.primed
}

// Reset forgets the last observed unit.
func (s *Sampler) Reset() {
	s.last = 0
	s.primed = false
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && (a < 0) {
		q--
	}
	return q
}
