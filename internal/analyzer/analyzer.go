package analyzer

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/bdougie/posepace/internal/config"
	"github.com/bdougie/posepace/internal/dispatcher"
	"github.com/bdougie/posepace/internal/extractor"
	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/player"
	"github.com/bdougie/posepace/internal/posescore"
	"github.com/bdougie/posepace/internal/sampler"
	"github.com/bdougie/posepace/internal/storage"
)

// teardownFlushTimeout bounds the final flush after the caller's context is
// already done.
const teardownFlushTimeout = 10 * time.Second

// Processor plays a video and feeds one snapshot per time unit to the pose
// engine, recording archived results.
type Processor struct {
	engine      Engine
	store       storage.Storage
	cfg         *config.Config
	logger      *slog.Logger
	clock       clock.Clock
	adapterOpts []AdapterOption
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the playback clock.
func WithClock(c clock.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithAdapterOptions passes options through to the engine adapter.
func WithAdapterOptions(opts ...AdapterOption) Option {
	return func(p *Processor) { p.adapterOpts = append(p.adapterOpts, opts...) }
}

// NewProcessor creates the pipeline. engine may be nil: frames are then
// captured but never dispatched.
func NewProcessor(engine Engine, store storage.Storage, cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{
		engine: engine,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResultsPath is where results for videoPath are flushed.
func (p *Processor) ResultsPath(videoPath string) string {
	return filepath.Join(p.cfg.OutputDir, extractor.VideoName(videoPath), p.cfg.ResultsFile)
}

// ProcessVideo decodes videoPath to frames and runs the pipeline over them.
func (p *Processor) ProcessVideo(ctx context.Context, videoPath string) error {
	p.logger.Info("processing video", "path", videoPath)

	mode := extractor.BuildExtensionMode(p.cfg.UseExtensions, p.cfg.PreferExtensions)
	frameDir, err := extractor.ExtractFrames(ctx, p.logger, videoPath, p.cfg.OutputDir, p.cfg.ExtractFPS, mode, p.cfg.Extensions)
	if err != nil {
		return err
	}

	seq, err := extractor.OpenSequence(frameDir, p.cfg.ExtractFPS)
	if err != nil {
		return err
	}
	p.logger.Info("decoded video", "frames", seq.Len(), "duration", seq.Duration())

	return p.Run(ctx, seq, p.ResultsPath(videoPath))
}

// Run plays dec until it ends or ctx is done, then flushes the store to
// resultsPath. dec is closed before Run returns.
func (p *Processor) Run(ctx context.Context, dec extractor.Decoder, resultsPath string) error {
	pipe, err := p.newPipeline(dec)
	if err != nil {
		return multierr.Append(err, dec.Close())
	}
	if err := pipe.start(p.cfg.Repeat); err != nil {
		return multierr.Append(err, pipe.release())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- pipe.player.Run(runCtx)
	}()

	select {
	case <-pipe.ended:
		cancel()
		<-runErr
		return p.finish(ctx, pipe, resultsPath)
	case <-ctx.Done():
		<-runErr
		return multierr.Append(ctx.Err(), p.teardown(ctx, pipe, resultsPath))
	case err := <-runErr:
		return multierr.Append(err, p.teardown(ctx, pipe, resultsPath))
	}
}

type pipeline struct {
	logger     *slog.Logger
	surface    *extractor.Surface
	player     *player.Player
	sampler    *sampler.Sampler
	dispatcher *dispatcher.Dispatcher
	adapter    *Adapter
	ended      chan struct{}

	width  int
	height int
}

func (p *Processor) newPipeline(dec extractor.Decoder) (*pipeline, error) {
	first, err := dec.FrameAt(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode first frame")
	}
	b := first.Bounds()

	logger := p.logger.With("session", uuid.NewString())
	surface := extractor.NewSurface(b.Dx(), b.Dy())
	width, height := extractor.SizeForDesired(b.Dx(), b.Dy(), p.cfg.DesiredSize)

	var (
		adapter *Adapter
		proc    dispatcher.Processor
	)
	if p.engine != nil {
		adapter = NewAdapter(p.engine, p.store, append([]AdapterOption{WithAdapterLogger(logger)}, p.adapterOpts...)...)
		proc = adapter
	}

	pipe := &pipeline{
		logger:     logger,
		surface:    surface,
		player:     player.New(surface, player.WithClock(p.clock), player.WithLogger(logger), player.WithRefresh(p.cfg.Refresh)),
		sampler:    sampler.New(p.cfg.UnitMs, p.cfg.ArchiveEvery),
		dispatcher: dispatcher.New(proc, dispatcher.WithLogger(logger)),
		adapter:    adapter,
		ended:      make(chan struct{}, 1),
		width:      width,
		height:     height,
	}
	pipe.player.SetMediaSource(dec)
	pipe.player.OnStateChange(pipe.onStateChange)
	pipe.player.OnFrameAvailable(pipe.onFrame)

	logger.Debug("pipeline ready", "source_width", b.Dx(), "source_height", b.Dy(), "width", width, "height", height)
	return pipe, nil
}

func (pipe *pipeline) start(repeat bool) error {
	mode := player.RepeatOff
	if repeat {
		mode = player.RepeatOne
	}
	pipe.player.SetRepeatMode(mode)
	if err := pipe.player.Prepare(); err != nil {
		return err
	}
	pipe.player.Play()
	return nil
}

func (pipe *pipeline) onStateChange(s player.State) {
	pipe.logger.Debug("player state changed", "state", s)
	if s == player.Ended {
		select {
		case pipe.ended <- struct{}{}:
		default:
		}
	}
}

// onFrame runs on the player goroutine for every rendered frame.
func (pipe *pipeline) onFrame(s *extractor.Surface) {
	cs, ok := pipe.sampler.Sample(pipe.player.Position())
	if !ok {
		return
	}
	img, err := s.Snapshot(pipe.width, pipe.height)
	if err != nil {
		pipe.logger.Debug("no snapshot", "position_ms", cs.PositionMs, "err", err)
		return
	}
	pipe.logger.Debug("snapshot", "unit", cs.Unit, "archive", cs.Archive, "position_ms", cs.PositionMs)
	pipe.dispatcher.Submit(&models.Frame{
		Image:     img,
		Width:     pipe.width,
		Height:    pipe.height,
		Timestamp: time.Duration(cs.PositionMs) * time.Millisecond,
		Unit:      cs.Unit,
		Archive:   cs.Archive,
	})
}

// release tears the pipeline down. In-flight completions are ignored and
// nothing more is recorded from here on.
func (pipe *pipeline) release() error {
	pipe.dispatcher.Reset()
	if pipe.adapter != nil {
		pipe.adapter.Close()
	}
	pipe.surface.Release()
	return pipe.player.Release()
}

// finish handles end of stream: the in-flight call is allowed to complete so
// its result makes it into the flush.
func (p *Processor) finish(ctx context.Context, pipe *pipeline, resultsPath string) error {
	if err := pipe.dispatcher.WaitIdle(ctx); err != nil {
		return multierr.Append(err, p.teardown(ctx, pipe, resultsPath))
	}

	stats := pipe.dispatcher.Stats()
	pipe.logger.Info("playback ended",
		"submitted", stats.Submitted,
		"dispatched", stats.Dispatched,
		"coalesced", stats.Coalesced,
		"failed", stats.Failed,
		"records", p.pendingRecords(),
	)

	err := p.flush(ctx, pipe.logger, resultsPath)
	return multierr.Append(err, pipe.release())
}

// teardown abandons the in-flight call and flushes what was recorded so far.
func (p *Processor) teardown(ctx context.Context, pipe *pipeline, resultsPath string) error {
	pipe.logger.Info("tearing down", "records", p.pendingRecords())
	releaseErr := pipe.release()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownFlushTimeout)
	defer cancel()
	return multierr.Append(p.flush(flushCtx, pipe.logger, resultsPath), releaseErr)
}

func (p *Processor) flush(ctx context.Context, logger *slog.Logger, resultsPath string) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Flush(ctx, resultsPath); err != nil {
		return errors.Wrap(err, "failed to flush results")
	}
	logger.Info("results written", "path", resultsPath)
	return nil
}

func (p *Processor) pendingRecords() int {
	if p.store == nil {
		return 0
	}
	return p.store.Len()
}

// LoadReference reads a pose JSON file and returns its joint angles.
func LoadReference(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read reference pose")
	}
	var pose models.Pose
	if err := json.Unmarshal(data, &pose); err != nil {
		return nil, errors.Wrap(err, "failed to decode reference pose")
	}
	angles, err := posescore.AnglesFromLandmarks(pose.Landmarks)
	if err != nil {
		return nil, errors.Wrap(err, "reference pose")
	}
	return angles, nil
}
