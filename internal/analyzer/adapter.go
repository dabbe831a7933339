package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/overlay"
	"github.com/bdougie/posepace/internal/posescore"
	"github.com/bdougie/posepace/internal/storage"
)

// Adapter runs the engine for the dispatcher and records archived results.
type Adapter struct {
	engine     Engine
	store      storage.Storage
	logger     *slog.Logger
	reference  []float64
	threshold  float64
	overlayDir string

	// mu orders archive against Close so nothing is recorded once Close
	// has returned.
	mu     sync.Mutex
	closed bool
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithReference scores every archived pose against reference angles.
func WithReference(angles []float64, threshold float64) AdapterOption {
	return func(a *Adapter) {
		a.reference = angles
		a.threshold = threshold
	}
}

// WithOverlayDir saves a skeleton overlay for every archived frame.
func WithOverlayDir(dir string) AdapterOption {
	return func(a *Adapter) { a.overlayDir = dir }
}

// WithAdapterLogger sets the logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter wraps engine. store may be nil, in which case nothing is recorded.
func NewAdapter(engine Engine, store storage.Storage, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		engine:    engine,
		store:     store,
		logger:    slog.Default(),
		threshold: posescore.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process detects the pose in frame asynchronously. The returned channel
// always receives exactly one outcome.
func (a *Adapter) Process(ctx context.Context, frame *models.Frame) <-chan models.Outcome {
	out := make(chan models.Outcome, 1)
	go func() {
		defer close(out)
		out <- a.process(ctx, frame)
	}()
	return out
}

func (a *Adapter) process(ctx context.Context, frame *models.Frame) (out models.Outcome) {
	out.Frame = frame
	defer func() {
		if r := recover(); r != nil {
			out.Pose = nil
			out.Err = errors.Errorf("pose detector panicked: %v", r)
		}
	}()

	pose, err := a.engine.Detect(ctx, frame.Image)
	if err != nil {
		out.Err = errors.Wrapf(err, "detecting pose at %dms", frame.TimestampMs())
		return out
	}
	if pose == nil {
		pose = &models.Pose{}
	}
	out.Pose = pose

	if frame.Archive {
		a.archive(ctx, frame, pose)
	}
	return out
}

// Close stops recording. It waits for a record in progress, so the store can
// be flushed safely once Close returns.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// record stores rec unless the adapter was closed or ctx cancelled by a
// teardown. It reports whether rec was stored.
func (a *Adapter) record(ctx context.Context, rec models.ResultRecord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || ctx.Err() != nil {
		return false
	}
	if a.store != nil {
		if err := a.store.Record(ctx, rec); err != nil {
			a.logger.Warn("failed to record result", "timestamp_ms", rec.TimestampMs, "err", err)
		}
	}
	return true
}

func (a *Adapter) archive(ctx context.Context, frame *models.Frame, pose *models.Pose) {
	rec := models.ResultRecord{
		TimestampMs: frame.TimestampMs(),
		Unit:        frame.Unit,
		Landmarks:   pose.Landmarks,
	}

	points, err := posescore.To15Points(pose.Landmarks)
	if err == nil {
		rec.Angles = posescore.Angles(points)
		if a.reference != nil {
			score := posescore.Score(a.reference, rec.Angles, a.threshold)
			rec.Score = &score
		}
	}

	if !a.record(ctx, rec) {
		a.logger.Debug("dropped pose after teardown", "unit", rec.Unit, "timestamp_ms", rec.TimestampMs)
		return
	}

	if a.overlayDir != "" && points != nil {
		path := filepath.Join(a.overlayDir, fmt.Sprintf("overlay_%08d.jpg", rec.TimestampMs))
		if err := overlay.Save(path, overlay.Draw(frame.Image, points)); err != nil {
			a.logger.Warn("failed to save overlay", "path", path, "err", err)
		}
	}

	a.logger.Debug("archived pose", "unit", rec.Unit, "timestamp_ms", rec.TimestampMs, "landmarks", len(rec.Landmarks))
}
