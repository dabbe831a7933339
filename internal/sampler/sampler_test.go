package sampler

import (
	"testing"

	"go.viam.com/test"
)

func TestSampleUnits(t *testing.T) {
	s := New(1000, 3)

	positions := []int64{0, 16, 999, 1000, 1500, 2001, 2999, 3000, 3001, 6100}
	var units []int64
	var archived []int64
	for _, ms := range positions {
		cs, ok := s.Sample(ms)
		if !ok {
			continue
		}
		test.That(t, cs.PositionMs, test.ShouldEqual, ms)
		units = append(units, cs.Unit)
		if cs.Archive {
			archived = append(archived, cs.Unit)
		}
	}

	test.That(t, units, test.ShouldResemble, []int64{0, 1, 2, 3, 6})
	test.That(t, archived, test.ShouldResemble, []int64{0, 3, 6})
}

func TestSameUnitProducesNothing(t *testing.T) {
	s := New(1000, 3)
	_, ok := s.Sample(4200)
	test.That(t, ok, test.ShouldBeTrue)
	for _, ms := range []int64{4200, 4201, 4999} {
		_, ok := s.Sample(ms)
		test.That(t, ok, test.ShouldBeFalse)
	}
	unit, primed := s.LastUnit()
	test.That(t, primed, test.ShouldBeTrue)
	test.That(t, unit, test.ShouldEqual, 4)
}

func TestLoopBackStartsNewUnit(t *testing.T) {
	s := New(1000, 3)
	s.Sample(8500)
	cs, ok := s.Sample(10)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cs.Unit, test.ShouldEqual, 0)
	test.That(t, cs.Archive, test.ShouldBeTrue)
}

func TestReset(t *testing.T) {
	s := New(1000, 3)
	s.Sample(1200)
	_, ok := s.Sample(1300)
	test.That(t, ok, test.ShouldBeFalse)

	s.Reset()
	_, primed := s.LastUnit()
	test.That(t, primed, test.ShouldBeFalse)
	cs, ok := s.Sample(1300)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cs.Unit, test.ShouldEqual, 1)
}

func TestConfigurablePolicy(t *testing.T) {
	s := New(500, 0)
	cs, ok := s.Sample(1250)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cs.Unit, test.ShouldEqual, 2)
	test.That(t, cs.Archive, test.ShouldBeFalse)

	d := New(-1, 2)
	cs, _ = d.Sample(2500)
	test.That(t, cs.Unit, test.ShouldEqual, 2)
	test.That(t, cs.Archive, test.ShouldBeTrue)
}
