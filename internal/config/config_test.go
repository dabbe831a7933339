package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.UnitMs, test.ShouldEqual, 1000)
	test.That(t, cfg.ArchiveEvery, test.ShouldEqual, 3)
	test.That(t, cfg.DesiredSize, test.ShouldEqual, 500)
	test.That(t, cfg.Refresh, test.ShouldEqual, 33*time.Millisecond)
	test.That(t, cfg.Extensions, test.ShouldBeNil)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UNIT_MS", "500")
	t.Setenv("ARCHIVE_EVERY", "2")
	t.Setenv("REFRESH_INTERVAL", "16ms")
	t.Setenv("REPEAT", "true")
	t.Setenv("DECODER_EXTENSIONS", "h264_cuvid, ,hevc_cuvid")
	t.Setenv("SCORE_THRESHOLD", "80")
	t.Setenv("DESIRED_SIZE", "not-a-number")

	cfg, err := Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.UnitMs, test.ShouldEqual, 500)
	test.That(t, cfg.ArchiveEvery, test.ShouldEqual, 2)
	test.That(t, cfg.Refresh, test.ShouldEqual, 16*time.Millisecond)
	test.That(t, cfg.Repeat, test.ShouldBeTrue)
	test.That(t, cfg.Extensions, test.ShouldResemble, []string{"h264_cuvid", "hevc_cuvid"})
	test.That(t, cfg.ScoreThreshold, test.ShouldEqual, 80.0)
	test.That(t, cfg.DesiredSize, test.ShouldEqual, 500)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// godotenv never overrides variables that are already set
	os.Unsetenv("OUTPUT_DIR")
	test.That(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OUTPUT_DIR=from-dotenv\n"), 0o644), test.ShouldBeNil)
	t.Cleanup(func() { os.Unsetenv("OUTPUT_DIR") })

	cfg, err := Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.OutputDir, test.ShouldEqual, "from-dotenv")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load()
	test.That(t, err, test.ShouldBeNil)

	for name, mutate := range map[string]func(*Config){
		"unit":      func(c *Config) { c.UnitMs = 0 },
		"archive":   func(c *Config) { c.ArchiveEvery = -1 },
		"size":      func(c *Config) { c.DesiredSize = 0 },
		"fps":       func(c *Config) { c.ExtractFPS = 0 },
		"refresh":   func(c *Config) { c.Refresh = 0 },
		"threshold": func(c *Config) { c.ScoreThreshold = 101 },
		"level":     func(c *Config) { c.LogLevel = "loud" },
		"output":    func(c *Config) { c.OutputDir = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, slog.LevelDebug)

	_, err = ParseLevel("chatty")
	test.That(t, err, test.ShouldNotBeNil)
}
