package extractor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// VideoName returns the video file name without directory and extension.
func VideoName(videoPath string) string {
	return strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
}

// ExtractFrames decodes a video into JPEG frames at the given rate and returns
// the directory holding them. Decoders are tried in the order picked by mode;
// the first one that succeeds wins.
func ExtractFrames(ctx context.Context, logger *slog.Logger, videoPath, outputDir string, fps int, mode ExtensionMode, extensions []string) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fps <= 0 {
		return "", errors.Errorf("invalid extraction rate %d", fps)
	}

	// Check if video file exists
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return "", errors.Errorf("video file does not exist at path: '%s'", videoPath)
	}

	// Create a subfolder with the video's name
	frameDirPath := filepath.Join(outputDir, VideoName(videoPath))

	if n := countFrames(frameDirPath); n > 0 {
		logger.Info("frames already extracted, skipping", "dir", frameDirPath, "frames", n)
		return frameDirPath, nil
	}

	if err := os.MkdirAll(frameDirPath, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create frame directory '%s'", frameDirPath)
	}

	logger.Info("extracting frames", "video", videoPath, "dir", frameDirPath, "fps", fps, "mode", mode)

	var lastErr error
	for _, decoder := range DecoderOrder(mode, extensions) {
		if err := runFFmpeg(ctx, videoPath, frameDirPath, fps, decoder); err != nil {
			logger.Warn("decoder failed", "decoder", decoderLabel(decoder), "err", err)
			lastErr = err
			continue
		}
		logger.Info("extracted frames", "dir", frameDirPath, "decoder", decoderLabel(decoder), "frames", countFrames(frameDirPath))
		return frameDirPath, nil
	}
	return "", errors.Wrap(lastErr, "no decoder could extract frames")
}

func runFFmpeg(ctx context.Context, videoPath, frameDirPath string, fps int, decoder string) error {
	inArgs := ffmpeg.KwArgs{}
	if decoder != "" {
		inArgs["c:v"] = decoder
	}

	var stderr bytes.Buffer
	stream := ffmpeg.Input(videoPath, inArgs).
		Output(filepath.Join(frameDirPath, "frame_%04d.jpg"), ffmpeg.KwArgs{
			"vf":  fmt.Sprintf("fps=%d", fps),
			"q:v": 2,
		}).
		OverWriteOutput().
		WithErrorOutput(&stderr)
	stream.Context = ctx

	if err := stream.Run(); err != nil {
		return errors.Wrapf(err, "ffmpeg failed: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

func countFrames(dir string) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	frameCount := 0
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(strings.ToLower(file.Name()), ".jpg") {
			frameCount++
		}
	}
	return frameCount
}

func decoderLabel(decoder string) string {
	if decoder == "" {
		return "builtin"
	}
	return decoder
}
