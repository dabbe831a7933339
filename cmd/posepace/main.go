package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/bdougie/posepace/internal/analyzer"
	"github.com/bdougie/posepace/internal/config"
	"github.com/bdougie/posepace/internal/embeddings"
	"github.com/bdougie/posepace/internal/extractor"
	"github.com/bdougie/posepace/internal/models"
	"github.com/bdougie/posepace/internal/storage"
)

const (
	flagVideo        = "video"
	flagOutput       = "output"
	flagRepeat       = "repeat"
	flagUnitMs       = "unit-ms"
	flagArchiveEvery = "archive-every"
	flagDesiredSize  = "desired-size"
	flagReference    = "reference"
	flagOverlays     = "overlays"
	flagPostgres     = "postgres"
	flagLogLevel     = "log-level"
	flagPose         = "pose"
	flagLimit        = "limit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(cfg).RunContext(ctx, os.Args); err != nil {
		slog.Error("posepace failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// newApp builds the command line. Flags default to cfg and are written back
// into it before any action runs.
func newApp(cfg *config.Config) *cli.App {
	var logger *slog.Logger

	return &cli.App{
		Name:      "posepace",
		Usage:     "play a video and detect poses at a steady pace",
		UsageText: "posepace --video path/to/video.mp4 [--output output_directory]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagVideo, Usage: "video `FILE` to analyze"},
			&cli.StringFlag{Name: flagOutput, Value: cfg.OutputDir, Usage: "directory for frames and results"},
			&cli.BoolFlag{Name: flagRepeat, Value: cfg.Repeat, Usage: "loop the video until interrupted"},
			&cli.Int64Flag{Name: flagUnitMs, Value: cfg.UnitMs, Usage: "length of one sampling unit in milliseconds"},
			&cli.Int64Flag{Name: flagArchiveEvery, Value: cfg.ArchiveEvery, Usage: "persist the result of every Nth unit"},
			&cli.IntFlag{Name: flagDesiredSize, Value: cfg.DesiredSize, Usage: "longer side of the snapshot sent to the detector"},
			&cli.StringFlag{Name: flagReference, Value: cfg.ReferencePose, Usage: "reference pose `FILE` to score against"},
			&cli.StringFlag{Name: flagOverlays, Value: cfg.OverlayDir, Usage: "write skeleton overlays of archived frames to `DIR`"},
			&cli.BoolFlag{Name: flagPostgres, Value: cfg.PostgresEnabled, Usage: "also store poses in PostgreSQL"},
			&cli.StringFlag{Name: flagLogLevel, Value: cfg.LogLevel, Usage: "debug, info, warn or error"},
		},
		Before: func(c *cli.Context) error {
			cfg.OutputDir = c.String(flagOutput)
			cfg.Repeat = c.Bool(flagRepeat)
			cfg.UnitMs = c.Int64(flagUnitMs)
			cfg.ArchiveEvery = c.Int64(flagArchiveEvery)
			cfg.DesiredSize = c.Int(flagDesiredSize)
			cfg.ReferencePose = c.String(flagReference)
			cfg.OverlayDir = c.String(flagOverlays)
			cfg.PostgresEnabled = c.Bool(flagPostgres)
			cfg.LogLevel = c.String(flagLogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, _ := config.ParseLevel(cfg.LogLevel)
			logger = slog.New(
				tint.NewHandler(os.Stderr, &tint.Options{
					Level:      level,
					TimeFormat: "15:04:05",
				}),
			)
			slog.SetDefault(logger)
			return nil
		},
		Action: func(c *cli.Context) error {
			videoPath := c.String(flagVideo)
			if videoPath == "" {
				return cli.ShowAppHelp(c)
			}
			return analyze(c.Context, logger, cfg, videoPath)
		},
		Commands: []*cli.Command{
			{
				Name:      "search",
				Usage:     "find stored poses similar to a pose file",
				UsageText: "posepace --postgres search --pose pose.json [--limit 5]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPose, Required: true, Usage: "pose `FILE` (JSON landmarks)"},
					&cli.IntFlag{Name: flagLimit, Value: 5},
				},
				Action: func(c *cli.Context) error {
					return search(c.Context, cfg, c.String(flagPose), c.Int(flagLimit))
				},
			},
		},
	}
}

func analyze(ctx context.Context, logger *slog.Logger, cfg *config.Config, videoPath string) error {
	store := storage.NewFileStorage()
	stores := storage.MultiStorage{store}

	if cfg.PostgresEnabled {
		pgCfg := postgresConfig(cfg)
		if err := storage.InitSchema(ctx, pgCfg, embeddings.Dimensions()); err != nil {
			return err
		}
		emb := embeddings.NewService(cfg.EmbeddingWorkers)
		defer emb.Close()

		pg, err := storage.NewPostgresStorage(ctx, pgCfg, extractor.VideoName(videoPath), emb)
		if err != nil {
			return err
		}
		defer pg.Close()
		stores = append(stores, pg)
	}

	var adapterOpts []analyzer.AdapterOption
	if cfg.ReferencePose != "" {
		ref, err := analyzer.LoadReference(cfg.ReferencePose)
		if err != nil {
			return err
		}
		adapterOpts = append(adapterOpts, analyzer.WithReference(ref, cfg.ScoreThreshold))
	}
	if cfg.OverlayDir != "" {
		adapterOpts = append(adapterOpts, analyzer.WithOverlayDir(cfg.OverlayDir))
	}

	var engine analyzer.Engine
	ollamaEngine, err := analyzer.NewOllamaEngine(ctx, logger, analyzer.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Port:    cfg.OllamaPort,
		Model:   cfg.OllamaModel,
	})
	if err != nil {
		logger.Warn("pose detector unavailable, frames will be captured but not analyzed", "err", err)
	} else {
		engine = ollamaEngine
		defer func() {
			if err := ollamaEngine.Stop(); err != nil {
				logger.Warn("failed to stop pose detector", "err", err)
			}
		}()
	}

	processor := analyzer.NewProcessor(engine, stores, cfg,
		analyzer.WithLogger(logger),
		analyzer.WithAdapterOptions(adapterOpts...),
	)
	err = processor.ProcessVideo(ctx, videoPath)
	if errors.Is(err, context.Canceled) && len(multierr.Errors(err)) == 1 {
		logger.Info("interrupted, partial results written", "path", processor.ResultsPath(videoPath))
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("video processing completed", "path", processor.ResultsPath(videoPath))
	return nil
}

func search(ctx context.Context, cfg *config.Config, posePath string, limit int) error {
	if !cfg.PostgresEnabled {
		return errors.New("search needs --postgres")
	}
	data, err := os.ReadFile(posePath)
	if err != nil {
		return errors.Wrap(err, "failed to read pose")
	}
	var pose models.Pose
	if err := json.Unmarshal(data, &pose); err != nil {
		return errors.Wrap(err, "failed to decode pose")
	}

	emb := embeddings.NewService(1)
	defer emb.Close()

	pg, err := storage.NewPostgresStorage(ctx, postgresConfig(cfg), "", emb)
	if err != nil {
		return err
	}
	defer pg.Close()

	matches, err := pg.SearchSimilarPoses(ctx, pose.Landmarks, limit)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Printf("%s\t%dms\tunit %d\tsimilarity %.3f\n", m.VideoName, m.TimestampMs, m.Unit, m.Similarity)
	}
	return nil
}

func postgresConfig(cfg *config.Config) storage.PostgresConfig {
	return storage.PostgresConfig{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		DBName:   cfg.PostgresDB,
	}
}
