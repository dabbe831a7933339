package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/test"

	"github.com/bdougie/posepace/internal/embeddings"
	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/posescore"
)

func record(unit int64) models.ResultRecord {
	return models.ResultRecord{
		TimestampMs: unit*1000 + 17,
		Unit:        unit,
		Landmarks:   []models.Landmark{{Type: 0, X: float64(unit), Y: 2, InFrameLikelihood: 0.5}},
	}
}

func readResults(t *testing.T, path string) []models.ResultRecord {
	t.Helper()
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	var got []models.ResultRecord
	test.That(t, json.Unmarshal(data, &got), test.ShouldBeNil)
	return got
}

func TestFileStorageFlushInRecordOrder(t *testing.T) {
	ctx := context.Background()
	s := NewFileStorage()
	for _, u := range []int64{6, 0, 3} {
		test.That(t, s.Record(ctx, record(u)), test.ShouldBeNil)
	}
	test.That(t, s.Len(), test.ShouldEqual, 3)

	path := filepath.Join(t.TempDir(), "clip", ResultsFile)
	test.That(t, s.Flush(ctx, path), test.ShouldBeNil)
	test.That(t, s.Len(), test.ShouldEqual, 0)

	got := readResults(t, path)
	test.That(t, len(got), test.ShouldEqual, 3)
	test.That(t, got[0].Unit, test.ShouldEqual, 6)
	test.That(t, got[1].Unit, test.ShouldEqual, 0)
	test.That(t, got[2].Unit, test.ShouldEqual, 3)
	test.That(t, got[2].Landmarks, test.ShouldResemble, record(3).Landmarks)

	_, err := os.Stat(path + ".tmp")
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestFileStorageOverwrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ResultsFile)
	s := NewFileStorage()

	test.That(t, s.Record(ctx, record(0)), test.ShouldBeNil)
	test.That(t, s.Record(ctx, record(3)), test.ShouldBeNil)
	test.That(t, s.Flush(ctx, path), test.ShouldBeNil)

	test.That(t, s.Record(ctx, record(6)), test.ShouldBeNil)
	test.That(t, s.Flush(ctx, path), test.ShouldBeNil)

	got := readResults(t, path)
	test.That(t, len(got), test.ShouldEqual, 1)
	test.That(t, got[0].Unit, test.ShouldEqual, 6)
}

func TestFileStorageEmptyFlushWritesEmptyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), ResultsFile)
	test.That(t, NewFileStorage().Flush(context.Background(), path), test.ShouldBeNil)
	test.That(t, readResults(t, path), test.ShouldBeEmpty)
}

func TestFileStorageUnwritableKeepsLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	test.That(t, os.WriteFile(blocker, []byte("x"), 0o644), test.ShouldBeNil)

	s := NewFileStorage()
	test.That(t, s.Record(ctx, record(0)), test.ShouldBeNil)
	err := s.Flush(ctx, filepath.Join(blocker, ResultsFile))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, s.Len(), test.ShouldEqual, 1)

	good := filepath.Join(dir, ResultsFile)
	test.That(t, s.Flush(ctx, good), test.ShouldBeNil)
	test.That(t, len(readResults(t, good)), test.ShouldEqual, 1)
}

func TestFileStorageDiscard(t *testing.T) {
	s := NewFileStorage()
	test.That(t, s.Record(context.Background(), record(0)), test.ShouldBeNil)
	s.Discard()
	test.That(t, s.Len(), test.ShouldEqual, 0)
	test.That(t, s.Results(), test.ShouldBeEmpty)
}

func TestFileStorageFlushCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewFileStorage()
	test.That(t, s.Record(context.Background(), record(0)), test.ShouldBeNil)
	test.That(t, s.Flush(ctx, filepath.Join(t.TempDir(), ResultsFile)), test.ShouldBeError, context.Canceled)
	test.That(t, s.Len(), test.ShouldEqual, 1)
}

type failingStorage struct {
	err error
}

func (f failingStorage) Record(context.Context, models.ResultRecord) error { return f.err }
func (f failingStorage) Flush(context.Context, string) error                { return f.err }
func (f failingStorage) Len() int                                           { return 0 }

func TestMultiStorage(t *testing.T) {
	ctx := context.Background()
	file := NewFileStorage()
	errA := errors.New("a down")
	errB := errors.New("b down")
	m := MultiStorage{failingStorage{errA}, file, failingStorage{errB}}

	err := m.Record(ctx, record(0))
	test.That(t, len(multierr.Errors(err)), test.ShouldEqual, 2)
	test.That(t, file.Len(), test.ShouldEqual, 1)
	test.That(t, m.Len(), test.ShouldEqual, 1)

	err = m.Flush(ctx, filepath.Join(t.TempDir(), ResultsFile))
	test.That(t, errors.Is(err, errA), test.ShouldBeTrue)
	test.That(t, errors.Is(err, errB), test.ShouldBeTrue)
	test.That(t, file.Len(), test.ShouldEqual, 0)
}

func TestPostgresHelpers(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "poses"}
	test.That(t, cfg.ConnString(), test.ShouldEqual, "postgres://u:p@db:5432/poses")

	test.That(t, strings.Contains(SchemaSQL(14), "vector(14)"), test.ShouldBeTrue)
}

type failingEmbedder struct {
	err error
}

func (f failingEmbedder) Embed(int64, []models.Landmark) ([]float32, error) { return nil, f.err }
func (f failingEmbedder) EmbedQuery([]models.Landmark) ([]float32, error)  { return nil, f.err }

func fullPose() []models.Landmark {
	lms := make([]models.Landmark, posescore.MinLandmarks)
	for i := range lms {
		lms[i] = models.Landmark{Type: i, X: float64(10 + i*3), Y: float64(5 + (i%7)*11)}
	}
	return lms
}

func TestPostgresVectorFor(t *testing.T) {
	emb := embeddings.NewService(1)
	defer emb.Close()
	s := &PostgresStorage{embedder: emb}

	// computed from landmarks even when the record carries no angles
	rec := record(0)
	rec.Landmarks = fullPose()
	vec, err := s.vectorFor(rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vec, test.ShouldNotBeNil)
	want, err := posescore.AnglesFromLandmarks(rec.Landmarks)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(vec.Slice()), test.ShouldEqual, embeddings.Dimensions())
	test.That(t, vec.Slice()[0], test.ShouldEqual, float32(want[0]))

	rec.Landmarks = fullPose()[:20]
	vec, err = s.vectorFor(rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vec, test.ShouldBeNil)

	vec, err = (&PostgresStorage{}).vectorFor(rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vec, test.ShouldBeNil)

	_, err = (&PostgresStorage{embedder: failingEmbedder{embeddings.ErrQueueFull}}).vectorFor(rec)
	test.That(t, errors.Is(err, embeddings.ErrQueueFull), test.ShouldBeTrue)
}
