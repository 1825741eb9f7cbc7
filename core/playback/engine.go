package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Strata/model"
	layererrors "Strata/pkg/errors"
	"Strata/pkg/events"

	"go.uber.org/zap"
)

// DefaultTickInterval is the granularity of position updates.
const DefaultTickInterval = 100 * time.Millisecond

// Status is the lifecycle of one layer's player binding.
type Status int

const (
	StatusUnregistered Status = iota
	StatusLoading
	StatusReady
	StatusPlaying
	StatusPaused
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return "unregistered"
	}
}

// State is a read-only snapshot of a binding.
type State struct {
	LayerID  model.LayerID
	Status   Status
	Position time.Duration
	Duration time.Duration
	Volume   float64
	Gain     float64 // effective gain after mute and solo
	Muted    bool
	Solo     bool
	Looping  bool
	HasAudio bool
	Err      error // last load failure, if any
}

// IsPlaying reports whether the binding is audibly or silently advancing.
func (s State) IsPlaying() bool {
	return s.Status == StatusPlaying
}

// Options configure an Engine.
type Options struct {
	Factory      PlayerFactory // required for layers with an audio reference
	Bus          *events.EventBus
	Logger       *zap.Logger
	TickInterval time.Duration    // zero selects DefaultTickInterval, negative disables the ticker
	Now          func() time.Time // clock for the silent fallback player
}

type binding struct {
	id        model.LayerID
	reference string
	duration  time.Duration
	position  time.Duration
	volume    float64
	gain      float64
	muted     bool
	solo      bool
	looping   bool
	status    Status
	player    Player
	loading   *loadSignal
	wantPlay  bool
	gen       uint64
	err       error
}

func (b *binding) state() State {
	return State{
		LayerID:  b.id,
		Status:   b.status,
		Position: b.position,
		Duration: b.duration,
		Volume:   b.volume,
		Gain:     b.gain,
		Muted:    b.muted,
		Solo:     b.solo,
		Looping:  b.looping,
		HasAudio: b.reference != "",
		Err:      b.err,
	}
}

// Engine owns one player per registered layer. Every mutation of a binding
// runs on the engine goroutine, so toggles from callers are serialised with
// the periodic position updates.
type Engine struct {
	factory  PlayerFactory
	bus      *events.EventBus
	log      *zap.Logger
	now      func() time.Time
	interval time.Duration

	commands chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	wg       sync.WaitGroup

	// owned by the run goroutine
	bindings map[model.LayerID]*binding
	nextGen  uint64
}

// NewEngine creates and starts an engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = DefaultTickInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		factory:  opts.Factory,
		bus:      opts.Bus,
		log:      opts.Logger,
		now:      opts.Now,
		interval: opts.TickInterval,
		commands: make(chan func()),
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[model.LayerID]*binding),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// run is the command processing loop
func (e *Engine) run() {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.ctx.Done():
			e.cleanup()
			return
		case fn := <-e.commands:
			fn()
		case <-tick:
			e.tick()
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case e.commands <- func() { fn(); close(finished) }:
	case <-e.ctx.Done():
		return layererrors.ErrEngineClosed
	}
	<-finished
	return nil
}

// post queues fn without waiting. It reports false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case e.commands <- fn:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Register binds a layer to the engine. Registering an id twice keeps the
// first binding; at most one binding exists per id.
func (e *Engine) Register(layer model.Layer) error {
	return e.do(func() {
		if _, exists := e.bindings[layer.ID]; exists {
			return
		}
		duration := layer.Duration
		if duration <= 0 {
			duration = model.DefaultLayerDuration
		}
		pos := layer.Position
		if pos < 0 || pos > duration {
			pos = 0
		}
		e.nextGen++
		b := &binding{
			id:        layer.ID,
			reference: layer.AudioReference,
			duration:  duration,
			position:  pos,
			volume:    model.ClampVolume(layer.Volume),
			muted:     layer.IsMuted,
			solo:      layer.IsSolo,
			looping:   layer.IsLooping,
			status:    StatusReady,
			gen:       e.nextGen,
		}
		e.bindings[layer.ID] = b
		e.recomputeGains()
		e.log.Debug("layer registered", zap.String("layer", layer.ID.String()), zap.Bool("audio", b.reference != ""))
	})
}

// Unregister releases the layer's player and forgets the binding. Unknown
// ids are ignored.
func (e *Engine) Unregister(id model.LayerID) error {
	return e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			return
		}
		e.release(b, layererrors.NewLayerError("play", id.String(), layererrors.ErrLayerNotFound))
		b.status = StatusUnregistered
		b.position = 0
		delete(e.bindings, id)
		e.recomputeGains()
		e.publish(events.EventStateChange, b)
	})
}

// Play starts or resumes a layer. A paused player is resumed in place; a
// missing player is constructed first, and Play waits until it is ready.
func (e *Engine) Play(ctx context.Context, id model.LayerID) error {
	var (
		wait *loadSignal
		err  error
	)
	if derr := e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			err = layererrors.NewLayerError("play", id.String(), layererrors.ErrLayerNotFound)
			return
		}
		wait, err = e.startLocked(b)
	}); derr != nil {
		return derr
	}
	if err != nil || wait == nil {
		return err
	}
	return wait.wait(ctx)
}

// Pause suspends a layer, keeping its player and position.
func (e *Engine) Pause(id model.LayerID) error {
	var err error
	if derr := e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			err = layererrors.NewLayerError("pause", id.String(), layererrors.ErrLayerNotFound)
			return
		}
		e.pauseLocked(b)
	}); derr != nil {
		return derr
	}
	return err
}

// Toggle pauses a playing layer or plays a paused one, deciding on the
// engine goroutine so it cannot race a periodic update.
func (e *Engine) Toggle(ctx context.Context, id model.LayerID) error {
	var (
		wait *loadSignal
		err  error
	)
	if derr := e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			err = layererrors.NewLayerError("toggle", id.String(), layererrors.ErrLayerNotFound)
			return
		}
		if b.status == StatusPlaying || (b.status == StatusLoading && b.wantPlay) {
			e.pauseLocked(b)
			return
		}
		wait, err = e.startLocked(b)
	}); derr != nil {
		return derr
	}
	if err != nil || wait == nil {
		return err
	}
	return wait.wait(ctx)
}

// Stop halts a layer, releases its player and rewinds it to 0. The binding
// stays registered. A Play waiting on a load returns ErrLayerStopped.
func (e *Engine) Stop(id model.LayerID) error {
	var err error
	if derr := e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			err = layererrors.NewLayerError("stop", id.String(), layererrors.ErrLayerNotFound)
			return
		}
		e.release(b, layererrors.NewLayerError("play", id.String(), layererrors.ErrLayerStopped))
		b.position = 0
		b.status = StatusStopped
		e.publish(events.EventStateChange, b)
	}); derr != nil {
		return derr
	}
	return err
}

// Seek moves a layer's cursor, clamped to [0, duration].
func (e *Engine) Seek(id model.LayerID, pos time.Duration) error {
	var err error
	if derr := e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			err = layererrors.NewLayerError("seek", id.String(), layererrors.ErrLayerNotFound)
			return
		}
		if pos < 0 {
			pos = 0
		}
		if pos > b.duration {
			pos = b.duration
		}
		if b.player != nil {
			if serr := b.player.Seek(pos); serr != nil {
				err = layererrors.NewLayerError("seek", id.String(), serr)
				return
			}
		}
		b.position = pos
		e.publish(events.EventPositionUpdate, b)
	}); derr != nil {
		return derr
	}
	return err
}

// SetMuted silences or restores a layer. Position tracking is unaffected.
func (e *Engine) SetMuted(id model.LayerID, muted bool) error {
	return e.mutate("mute", id, func(b *binding) { b.muted = muted })
}

// SetSolo marks a layer solo; while any layer is solo the others are silent.
func (e *Engine) SetSolo(id model.LayerID, solo bool) error {
	return e.mutate("solo", id, func(b *binding) { b.solo = solo })
}

// SetVolume sets a layer's volume in [0,1].
func (e *Engine) SetVolume(id model.LayerID, volume float64) error {
	if volume < 0 || volume > 1 {
		return layererrors.ErrInvalidVolume
	}
	return e.mutate("volume", id, func(b *binding) { b.volume = volume })
}

// SetLooping makes a layer wrap to 0 at the end of the clip instead of stopping.
func (e *Engine) SetLooping(id model.LayerID, looping bool) error {
	return e.mutate("loop", id, func(b *binding) { b.looping = looping })
}

func (e *Engine) mutate(op string, id model.LayerID, fn func(b *binding)) error {
	var err error
	if derr := e.do(func() {
		b, ok := e.bindings[id]
		if !ok {
			err = layererrors.NewLayerError(op, id.String(), layererrors.ErrLayerNotFound)
			return
		}
		fn(b)
		e.recomputeGains()
		e.publish(events.EventStateChange, b)
	}); derr != nil {
		return derr
	}
	return err
}

// State returns a snapshot of one binding.
func (e *Engine) State(id model.LayerID) (State, bool) {
	var (
		st State
		ok bool
	)
	_ = e.do(func() {
		var b *binding
		if b, ok = e.bindings[id]; ok {
			st = b.state()
		}
	})
	return st, ok
}

// States returns snapshots of every binding.
func (e *Engine) States() map[model.LayerID]State {
	out := make(map[model.LayerID]State)
	_ = e.do(func() {
		for id, b := range e.bindings {
			out[id] = b.state()
		}
	})
	return out
}

// Close stops every player and the engine goroutine.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
	return nil
}

// startLocked begins playback of b, constructing its player if needed. The
// returned signal is non-nil when the caller has to wait for a load.
func (e *Engine) startLocked(b *binding) (*loadSignal, error) {
	switch {
	case b.status == StatusPlaying:
		return nil, nil
	case b.status == StatusLoading:
		b.wantPlay = true
		return b.loading, nil
	case b.player != nil:
		return nil, e.resumeLocked(b)
	case b.reference == "":
		b.player = newSilentPlayer(e.now)
		b.player.SetGain(b.gain)
		if err := b.player.Seek(b.position); err != nil {
			return nil, err
		}
		return nil, e.resumeLocked(b)
	case e.factory == nil:
		b.status = StatusStopped
		b.err = fmt.Errorf("%w: no player factory configured", layererrors.ErrPlayback)
		return nil, layererrors.NewLayerError("play", b.id.String(), b.err)
	}

	sig := newLoadSignal()
	b.loading = sig
	b.wantPlay = true
	b.status = StatusLoading
	b.err = nil
	e.publish(events.EventStateChange, b)

	src := Source{LayerID: b.id, Reference: b.reference, Duration: b.duration}
	gen := b.gen
	go e.load(src, gen, sig)
	return sig, nil
}

// load constructs a player off the engine goroutine and hands the result back.
func (e *Engine) load(src Source, gen uint64, sig *loadSignal) {
	player, err := e.factory.Open(e.ctx, src)
	posted := e.post(func() { e.finishLoad(src.LayerID, gen, sig, player, err) })
	if !posted {
		if player != nil {
			player.Close()
		}
		sig.resolve(layererrors.ErrEngineClosed)
	}
}

func (e *Engine) finishLoad(id model.LayerID, gen uint64, sig *loadSignal, player Player, err error) {
	b, ok := e.bindings[id]
	if !ok || b.gen != gen || b.loading != sig {
		// unregistered or restarted while loading
		if player != nil {
			player.Close()
		}
		sig.resolve(layererrors.NewLayerError("play", id.String(), layererrors.ErrLayerNotFound))
		return
	}
	b.loading = nil

	if err != nil {
		b.status = StatusStopped
		b.wantPlay = false
		b.err = layererrors.Wrap(layererrors.ErrPlayback, err)
		e.log.Warn("player construction failed", zap.String("layer", id.String()), zap.Error(err))
		e.publishErr(b, b.err)
		e.publish(events.EventStateChange, b)
		sig.resolve(layererrors.NewLayerError("play", id.String(), b.err))
		return
	}

	b.player = player
	if dr, ok := player.(durationReporter); ok {
		if d := dr.Duration(); d > 0 {
			b.duration = d
		}
	}
	if b.position > b.duration {
		b.position = 0
	}
	player.SetGain(b.gain)
	if b.position > 0 {
		player.Seek(b.position)
	}
	b.status = StatusReady

	var perr error
	if b.wantPlay {
		perr = e.resumeLocked(b)
	} else {
		b.status = StatusPaused
		e.publish(events.EventStateChange, b)
	}
	if perr != nil {
		sig.resolve(layererrors.NewLayerError("play", id.String(), perr))
		return
	}
	sig.resolve(nil)
}

func (e *Engine) resumeLocked(b *binding) error {
	if err := b.player.Play(); err != nil {
		b.status = StatusStopped
		b.err = layererrors.Wrap(layererrors.ErrPlayback, err)
		e.publishErr(b, b.err)
		e.publish(events.EventStateChange, b)
		return b.err
	}
	b.status = StatusPlaying
	b.wantPlay = false
	e.publish(events.EventStateChange, b)
	return nil
}

func (e *Engine) pauseLocked(b *binding) {
	switch b.status {
	case StatusLoading:
		b.wantPlay = false
	case StatusPlaying:
		if err := b.player.Pause(); err != nil {
			e.log.Warn("pause failed", zap.String("layer", b.id.String()), zap.Error(err))
		}
		b.position = e.clampedPosition(b)
		b.status = StatusPaused
		e.publish(events.EventStateChange, b)
	}
}

// release closes b's player. A load in flight is abandoned and its waiters
// receive pending.
func (e *Engine) release(b *binding, pending error) {
	if b.player != nil {
		if err := b.player.Close(); err != nil {
			e.log.Warn("close player failed", zap.String("layer", b.id.String()), zap.Error(err))
		}
		b.player = nil
	}
	if b.loading != nil {
		b.loading.resolve(pending)
		b.loading = nil
		e.nextGen++
		b.gen = e.nextGen
	}
	b.wantPlay = false
}

func (e *Engine) clampedPosition(b *binding) time.Duration {
	pos := b.player.Position()
	if pos < 0 {
		return 0
	}
	if pos > b.duration {
		return b.duration
	}
	return pos
}

// tick advances every playing binding. Reaching the end of the clip stops
// and rewinds the layer, or wraps it to 0 when looping.
func (e *Engine) tick() {
	for _, b := range e.bindings {
		if b.status != StatusPlaying || b.player == nil {
			continue
		}
		pos := b.player.Position()
		if pos < b.duration {
			if pos < 0 {
				pos = 0
			}
			b.position = pos
			e.publish(events.EventPositionUpdate, b)
			continue
		}

		if err := b.player.Seek(0); err != nil {
			e.log.Warn("rewind failed", zap.String("layer", b.id.String()), zap.Error(err))
		}
		b.position = 0
		if b.looping {
			e.publish(events.EventPositionUpdate, b)
			continue
		}
		if err := b.player.Pause(); err != nil {
			e.log.Warn("pause at end failed", zap.String("layer", b.id.String()), zap.Error(err))
		}
		b.status = StatusStopped
		e.publish(events.EventLayerEnded, b)
		e.publish(events.EventStateChange, b)
	}
}

func (e *Engine) recomputeGains() {
	anySolo := false
	for _, b := range e.bindings {
		if b.solo {
			anySolo = true
			break
		}
	}
	for _, b := range e.bindings {
		gain := b.volume
		if b.muted || (anySolo && !b.solo) {
			gain = 0
		}
		b.gain = gain
		if b.player != nil {
			b.player.SetGain(gain)
		}
	}
}

func (e *Engine) publish(t events.EventType, b *binding) {
	e.bus.Publish(events.Event{Type: t, LayerID: b.id, Position: b.position})
}

func (e *Engine) publishErr(b *binding, err error) {
	e.bus.Publish(events.Event{Type: events.EventError, LayerID: b.id, Position: b.position, Err: err})
}

// cleanup releases resources
func (e *Engine) cleanup() {
	for id, b := range e.bindings {
		e.release(b, layererrors.ErrEngineClosed)
		delete(e.bindings, id)
	}
}
