// Package player plays a decoded video onto a surface at a fixed display
// refresh cadence and reports its position and state transitions.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/bdougie/posepace/internal/extractor"
)

// DefaultRefresh is roughly a 30 Hz display.
const DefaultRefresh = 33 * time.Millisecond

// State of the player.
type State int

const (
	Idle State = iota
	Ready
	Playing
	Paused
	Ended
	Released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Ended:
		return "ended"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RepeatMode controls what happens at the end of the media.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatOne
)

// ErrNoMedia is returned by Prepare when no media source was set.
var ErrNoMedia = errors.New("no media source set")

// Option configures a Player.
type Option func(*Player)

// WithClock sets the clock used for positions and the refresh ticker.
func WithClock(c clock.Clock) Option {
	return func(p *Player) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRefresh sets the display refresh interval.
func WithRefresh(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.refresh = d
		}
	}
}

// Player renders a Decoder onto a Surface.
type Player struct {
	clock   clock.Clock
	logger  *slog.Logger
	refresh time.Duration
	surface *extractor.Surface

	mu        sync.Mutex
	source    extractor.Decoder
	state     State
	repeat    RepeatMode
	base      time.Duration
	startedAt time.Time

	stateListeners []func(State)
	frameListeners []func(*extractor.Surface)
}

// New creates an idle player rendering into surface.
func New(surface *extractor.Surface, opts ...Option) *Player {
	p := &Player{
		clock:   clock.New(),
		logger:  slog.Default(),
		refresh: DefaultRefresh,
		surface: surface,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnStateChange registers a state transition listener.
func (p *Player) OnStateChange(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateListeners = append(p.stateListeners, fn)
}

// OnFrameAvailable registers a listener fired after every rendered frame.
// Listeners run on the goroutine calling Tick.
func (p *Player) OnFrameAvailable(fn func(*extractor.Surface)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameListeners = append(p.frameListeners, fn)
}

// SetMediaSource replaces the media. The player goes back to Idle.
func (p *Player) SetMediaSource(source extractor.Decoder) {
	p.mu.Lock()
	p.source = source
	p.base = 0
	notify := p.setStateLocked(Idle)
	p.mu.Unlock()
	notify()
}

// SetRepeatMode sets the repeat mode.
func (p *Player) SetRepeatMode(mode RepeatMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repeat = mode
}

// Prepare makes the player ready to play the current media.
func (p *Player) Prepare() error {
	p.mu.Lock()
	if p.state == Released {
		p.mu.Unlock()
		return errors.New("player released")
	}
	if p.source == nil {
		p.mu.Unlock()
		return ErrNoMedia
	}
	notify := p.setStateLocked(Ready)
	p.mu.Unlock()
	notify()
	return nil
}

// Play starts or resumes playback. Playing after the end restarts from zero.
func (p *Player) Play() {
	p.mu.Lock()
	switch p.state {
	case Ready, Paused:
	case Ended:
		p.base = 0
	default:
		p.mu.Unlock()
		return
	}
	p.startedAt = p.clock.Now()
	notify := p.setStateLocked(Playing)
	p.mu.Unlock()
	notify()
}

// Pause freezes the position.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state != Playing {
		p.mu.Unlock()
		return
	}
	p.base = p.positionLocked()
	notify := p.setStateLocked(Paused)
	p.mu.Unlock()
	notify()
}

// Stop halts playback and rewinds; Prepare must be called again.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == Released {
		p.mu.Unlock()
		return
	}
	p.base = 0
	notify := p.setStateLocked(Idle)
	p.mu.Unlock()
	notify()
}

// Release frees the media. The player cannot be used afterwards.
func (p *Player) Release() error {
	p.mu.Lock()
	if p.state == Released {
		p.mu.Unlock()
		return nil
	}
	source := p.source
	p.source = nil
	notify := p.setStateLocked(Released)
	p.mu.Unlock()
	notify()

	if source != nil {
		return source.Close()
	}
	return nil
}

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Position returns the playback position in milliseconds.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked().Milliseconds()
}

func (p *Player) positionLocked() time.Duration {
	if p.state != Playing {
		return p.base
	}
	return p.base + p.clock.Since(p.startedAt)
}

// setStateLocked records the transition and returns a func that notifies
// listeners; call it after releasing p.mu.
func (p *Player) setStateLocked(s State) func() {
	if p.state == s {
		return func() {}
	}
	p.state = s
	listeners := append([]func(State){}, p.stateListeners...)
	return func() {
		for _, fn := range listeners {
			fn(s)
		}
	}
}

// Tick performs one display refresh.
func (p *Player) Tick() {
	p.mu.Lock()
	if p.state != Playing || p.source == nil {
		p.mu.Unlock()
		return
	}
	pos := p.positionLocked()
	if dur := p.source.Duration(); pos >= dur {
		if p.repeat != RepeatOne || dur <= 0 {
			p.base = dur
			notify := p.setStateLocked(Ended)
			p.mu.Unlock()
			notify()
			return
		}
		pos %= dur
		p.base = pos
		p.startedAt = p.clock.Now()
	}
	source := p.source
	listeners := append([]func(*extractor.Surface){}, p.frameListeners...)
	p.mu.Unlock()

	img, err := source.FrameAt(pos)
	if err != nil {
		p.logger.Warn("failed to decode frame", "position_ms", pos.Milliseconds(), "err", err)
		return
	}
	if err := p.surface.Render(img, pos); err != nil {
		p.logger.Debug("surface not available, frame dropped", "position_ms", pos.Milliseconds())
		return
	}
	for _, fn := range listeners {
		fn(p.surface)
	}
}

// Run calls Tick at the refresh cadence until ctx is done or the player is
// released.
func (p *Player) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
			if p.State() == Released {
				return nil
			}
		}
	}
}
