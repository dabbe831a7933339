package main

import (
	"io"
	"testing"

	"go.viam.com/test"

	"github.com/bdougie/posepace/internal/config"
)

func testApp(t *testing.T) (*config.Config, func(args ...string) error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("POSTGRES_ENABLED", "false")
	t.Setenv("UNIT_MS", "1000")
	t.Setenv("ARCHIVE_EVERY", "3")

	cfg, err := config.Load()
	test.That(t, err, test.ShouldBeNil)

	app := newApp(cfg)
	app.Writer = io.Discard
	app.ErrWriter = io.Discard
	return cfg, func(args ...string) error {
		return app.Run(append([]string{"posepace"}, args...))
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfg, run := testApp(t)
	out := t.TempDir()

	err := run(
		"--output", out,
		"--unit-ms", "500",
		"--archive-every", "2",
		"--desired-size", "320",
		"--repeat",
		"--log-level", "debug",
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.OutputDir, test.ShouldEqual, out)
	test.That(t, cfg.UnitMs, test.ShouldEqual, 500)
	test.That(t, cfg.ArchiveEvery, test.ShouldEqual, 2)
	test.That(t, cfg.DesiredSize, test.ShouldEqual, 320)
	test.That(t, cfg.Repeat, test.ShouldBeTrue)
	test.That(t, cfg.LogLevel, test.ShouldEqual, "debug")
	test.That(t, cfg.PostgresEnabled, test.ShouldBeFalse)
}

func TestFlagsKeepConfigDefaults(t *testing.T) {
	cfg, run := testApp(t)

	test.That(t, run(), test.ShouldBeNil)
	test.That(t, cfg.UnitMs, test.ShouldEqual, 1000)
	test.That(t, cfg.ArchiveEvery, test.ShouldEqual, 3)
}

func TestInvalidFlagsRejected(t *testing.T) {
	t.Run("unit", func(t *testing.T) {
		_, run := testApp(t)
		err := run("--unit-ms", "0")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unit length")
	})
	t.Run("log level", func(t *testing.T) {
		_, run := testApp(t)
		err := run("--log-level", "loud")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "log level")
	})
}

func TestSearchNeedsPostgres(t *testing.T) {
	_, run := testApp(t)

	err := run("search", "--pose", "pose.json")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "--postgres")
}
