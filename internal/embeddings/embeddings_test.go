package embeddings

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/posescore"
)

func body() []models.Landmark {
	lms := make([]models.Landmark, 33)
	for i := range lms {
		lms[i] = models.Landmark{Type: i, X: float64(10 + i*3), Y: float64(5 + (i%7)*11)}
	}
	return lms
}

func TestEmbed(t *testing.T) {
	s := NewService(2)
	defer s.Close()

	vec, err := s.Embed(1000, body())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(vec), test.ShouldEqual, Dimensions())
}

func TestEmbedCachedByPose(t *testing.T) {
	s := NewService(1)
	defer s.Close()

	first, err := s.Embed(3000, body())
	test.That(t, err, test.ShouldBeNil)
	_, ok := s.cache.Load(poseKey(body()))
	test.That(t, ok, test.ShouldBeTrue)

	// same pose at another timestamp hits the cache
	again, err := s.Embed(7000, body())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, first)

	// same timestamp with another pose does not
	moved := body()
	moved[23].X += 40
	other, err := s.Embed(3000, moved)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, other, test.ShouldNotResemble, first)

	s.Forget()
	_, ok = s.cache.Load(poseKey(body()))
	test.That(t, ok, test.ShouldBeFalse)
}

func TestEmbedQueryDistinctPoses(t *testing.T) {
	s := NewService(1)
	defer s.Close()

	a, err := s.EmbedQuery(body())
	test.That(t, err, test.ShouldBeNil)

	moved := body()
	moved[13].X += 60
	moved[14].Y -= 30
	b, err := s.EmbedQuery(moved)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldNotResemble, a)

	want, err := generateEmbedding(moved)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldResemble, want)

	// queries never fill the cache
	_, ok := s.cache.Load(poseKey(body()))
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPoseKey(t *testing.T) {
	test.That(t, poseKey(body()), test.ShouldEqual, poseKey(body()))
	moved := body()
	moved[0].Z = 0.5
	test.That(t, poseKey(moved), test.ShouldNotEqual, poseKey(body()))
}

func TestEmbedPartialPose(t *testing.T) {
	s := NewService(1)
	defer s.Close()

	_, err := s.Embed(0, body()[:10])
	test.That(t, errors.Is(err, posescore.ErrTooFewLandmarks), test.ShouldBeTrue)
}

func TestCloseTwice(t *testing.T) {
	s := NewService(0)
	s.Close()
	s.Close()
}
