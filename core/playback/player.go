package playback

import (
	"context"
	"sync"
	"time"

	"Strata/model"
)

// Player drives one loaded audio source. Implementations need not be safe
// for concurrent use; the engine calls them from its own goroutine only.
type Player interface {
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	Position() time.Duration
	// SetGain applies the effective output gain in [0,1]; 0 is silent.
	SetGain(gain float64)
	Close() error
}

// durationReporter is implemented by players that know the real length of
// their asset.
type durationReporter interface {
	Duration() time.Duration
}

// Source is what a factory needs to construct a player.
type Source struct {
	LayerID   model.LayerID
	Reference string // local path or remote URL
	Duration  time.Duration
}

// PlayerFactory constructs players for layers that have an audio asset.
// Open may block while the asset is fetched and decoded.
type PlayerFactory interface {
	Open(ctx context.Context, src Source) (Player, error)
}

// FactoryFunc adapts a function to PlayerFactory.
type FactoryFunc func(ctx context.Context, src Source) (Player, error)

func (f FactoryFunc) Open(ctx context.Context, src Source) (Player, error) {
	return f(ctx, src)
}

// loadSignal resolves exactly once when a player finished loading.
type loadSignal struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLoadSignal() *loadSignal {
	return &loadSignal{done: make(chan struct{})}
}

func (s *loadSignal) resolve(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *loadSignal) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// silentPlayer advances a position against the clock without producing
// sound. It stands in for layers that have no audio asset yet.
type silentPlayer struct {
	now       func() time.Time
	offset    time.Duration
	startedAt time.Time
	playing   bool
}

func newSilentPlayer(now func() time.Time) *silentPlayer {
	return &silentPlayer{now: now}
}

func (p *silentPlayer) Play() error {
	if !p.playing {
		p.startedAt = p.now()
		p.playing = true
	}
	return nil
}

func (p *silentPlayer) Pause() error {
	p.offset = p.Position()
	p.playing = false
	return nil
}

func (p *silentPlayer) Seek(pos time.Duration) error {
	p.offset = pos
	if p.playing {
		p.startedAt = p.now()
	}
	return nil
}

func (p *silentPlayer) Position() time.Duration {
	if !p.playing {
		return p.offset
	}
	return p.offset + p.now().Sub(p.startedAt)
}

func (p *silentPlayer) SetGain(float64) {}

func (p *silentPlayer) Close() error {
	p.playing = false
	return nil
}

// SilentFactory produces players that advance without sound, for hosts
// without an audio device.
type SilentFactory struct {
	Now func() time.Time
}

func (f SilentFactory) Open(ctx context.Context, src Source) (Player, error) {
	now := f.Now
	if now == nil {
		now = time.Now
	}
	return newSilentPlayer(now), nil
}
