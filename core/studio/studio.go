package studio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"Strata/core/assetcache"
	"Strata/core/auth"
	"Strata/core/compose"
	"Strata/core/persist"
	"Strata/core/playback"
	"Strata/model"
	layererrors "Strata/pkg/errors"
	"Strata/pkg/events"

	"go.uber.org/zap"
)

const (
	// DefaultAutoPlayDelay is the pause between a layer appearing and it
	// starting to play.
	DefaultAutoPlayDelay = 500 * time.Millisecond

	persistTimeout = 60 * time.Second
)

// IdentityProvider supplies the owner of newly created layers.
type IdentityProvider interface {
	Current() (auth.Identity, bool)
}

// Options wire a Studio to its collaborators. Assets, Store and Identity are
// optional.
type Options struct {
	Composer      compose.Composer
	Assets        assetcache.Storer
	Engine        *playback.Engine
	Store         persist.Store
	Identity      IdentityProvider
	AutoPlayDelay time.Duration // zero selects DefaultAutoPlayDelay, negative disables auto-play
	Bus           *events.EventBus
	Logger        *zap.Logger
}

// CreateRequest is one generation trigger.
type CreateRequest struct {
	Prompt     string
	Instrument model.Instrument
	BPM        int // zero means parse from the prompt
	// Owner is the creator of the layer. The zero value falls back to the
	// identity provider.
	Owner auth.Identity
}

func (r CreateRequest) key() string {
	return strings.TrimSpace(r.Prompt) + "\x00" + string(r.Instrument) + "\x00" + strconv.Itoa(r.BPM)
}

type entry struct {
	layer model.Layer
	jobID string // local cache key, empty when the layer plays from a remote URL
}

// persistJob is one unit of remote persistence work. Jobs run strictly in
// the order they were queued.
type persistJob struct {
	id     model.LayerID
	remove bool
	jobID  string // cached asset to evict with a removal
}

// Studio owns the ordered layer list and coordinates generation, caching,
// playback and persistence of layers.
type Studio struct {
	composer compose.Composer
	assets   assetcache.Storer
	engine   *playback.Engine
	store    persist.Store
	identity IdentityProvider
	delay    time.Duration
	bus      *events.EventBus
	log      *zap.Logger

	mu         sync.RWMutex
	layers     []*entry
	index      map[model.LayerID]*entry
	generating int
	inflight   map[string]struct{}
	deleted    map[model.LayerID]struct{}

	queueMu sync.Mutex
	queue   []persistJob
	wake    chan struct{}

	bg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Studio. Composer and Engine are required.
func New(opts Options) (*Studio, error) {
	if opts.Composer == nil {
		return nil, fmt.Errorf("studio: composer is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("studio: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AutoPlayDelay == 0 {
		opts.AutoPlayDelay = DefaultAutoPlayDelay
	}
	s := &Studio{
		composer: opts.Composer,
		assets:   opts.Assets,
		engine:   opts.Engine,
		store:    opts.Store,
		identity: opts.Identity,
		delay:    opts.AutoPlayDelay,
		bus:      opts.Bus,
		log:      opts.Logger,
		index:    make(map[model.LayerID]*entry),
		inflight: make(map[string]struct{}),
		deleted:  make(map[model.LayerID]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.bg.Add(1)
	go s.persistLoop()
	return s, nil
}

// CreateLayer generates a layer from a prompt. An empty prompt is a no-op
// returning (nil, nil). On any failure no layer is added.
func (s *Studio) CreateLayer(ctx context.Context, req CreateRequest) (*model.Layer, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, nil
	}
	if req.Instrument == "" {
		req.Instrument = model.InstrumentAll
	}
	if !req.Instrument.Valid() {
		return nil, fmt.Errorf("unknown instrument %q", req.Instrument)
	}

	key := req.key()
	if err := s.beginGeneration(key); err != nil {
		return nil, err
	}
	defer s.endGeneration(key)

	bpm := req.BPM
	if bpm == 0 {
		bpm = model.ParseBPM(prompt)
	}

	res, err := s.composer.Compose(ctx, compose.Request{Prompt: prompt, Instrument: req.Instrument, BPM: bpm})
	if err != nil {
		s.log.Warn("generation failed", zap.String("prompt", prompt), zap.Error(err))
		s.bus.Publish(events.Event{Type: events.EventError, Err: err})
		return nil, err
	}

	ref, jobID := res.AssetURL, ""
	if s.assets != nil {
		local, err := s.assets.Store(ctx, res.AssetURL, res.TaskID)
		if err != nil {
			s.log.Warn("asset download failed, playing from remote url",
				zap.String("task", res.TaskID), zap.Error(err))
		} else {
			ref, jobID = local, res.TaskID
		}
	}

	owner := req.Owner
	if owner.UserID == "" {
		owner = s.owner()
	}
	layer, err := model.NewLayer(model.LayerSpec{
		Prompt:         prompt,
		Volume:         1,
		Instrument:     req.Instrument,
		BPM:            bpm,
		AudioReference: ref,
		SourceURL:      res.AssetURL,
		CreatorID:      owner.UserID,
		CreatorName:    owner.Name,
	})
	if err != nil {
		return nil, err
	}

	if err := s.add(layer, jobID); err != nil {
		return nil, err
	}
	s.log.Info("layer created",
		zap.String("layer", layer.ID.String()),
		zap.String("name", layer.Name),
		zap.String("instrument", string(layer.Instrument)),
		zap.Bool("cached", jobID != ""))

	s.scheduleAutoPlay(layer.ID)
	s.persist(layer.ID)

	out := layer.Clone()
	return &out, nil
}

func (s *Studio) beginGeneration(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return layererrors.ErrGenerationInProgress
	}
	s.inflight[key] = struct{}{}
	s.generating++
	s.bus.Publish(events.Event{Type: events.EventGenerationStarted})
	return nil
}

func (s *Studio) endGeneration(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.generating--
	s.mu.Unlock()
	s.bus.Publish(events.Event{Type: events.EventGenerationFinished})
}

func (s *Studio) owner() auth.Identity {
	if s.identity == nil {
		return auth.Anonymous
	}
	id, _ := s.identity.Current()
	return id
}

// add appends layer and registers it for playback. Present and deleted ids
// are skipped.
func (s *Studio) add(layer model.Layer, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[layer.ID]; exists {
		return nil
	}
	if _, gone := s.deleted[layer.ID]; gone {
		return nil
	}
	if err := s.engine.Register(layer); err != nil {
		return err
	}
	e := &entry{layer: layer, jobID: jobID}
	s.layers = append(s.layers, e)
	s.index[layer.ID] = e

	snap := layer.Clone()
	s.bus.Publish(events.Event{Type: events.EventLayerAdded, LayerID: layer.ID, Layer: &snap})
	return nil
}

func (s *Studio) scheduleAutoPlay(id model.LayerID) {
	if s.delay < 0 {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-s.done:
			return
		case <-timer.C:
		}
		if _, ok := s.Layer(id); !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.engine.Play(ctx, id); err != nil && !errors.Is(err, layererrors.ErrLayerNotFound) {
			s.log.Warn("auto-play failed", zap.String("layer", id.String()), zap.Error(err))
		}
	}()
}

// persist queues a save of the layer's state at the time the save runs.
func (s *Studio) persist(id model.LayerID) {
	if s.store == nil {
		return
	}
	s.enqueue(persistJob{id: id})
}

func (s *Studio) enqueue(job persistJob) {
	s.queueMu.Lock()
	if !job.remove {
		// A queued save of the same layer already picks up the latest state.
		for _, q := range s.queue {
			if q.id == job.id && !q.remove {
				s.queueMu.Unlock()
				return
			}
		}
	}
	s.queue = append(s.queue, job)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Studio) dequeue() (persistJob, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return persistJob{}, false
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job, true
}

// persistLoop runs queued jobs one at a time. On Close it drains the queue
// before returning.
func (s *Studio) persistLoop() {
	defer s.bg.Done()
	for {
		for job, ok := s.dequeue(); ok; job, ok = s.dequeue() {
			s.runJob(job)
		}
		select {
		case <-s.wake:
		case <-s.done:
			for job, ok := s.dequeue(); ok; job, ok = s.dequeue() {
				s.runJob(job)
			}
			return
		}
	}
}

func (s *Studio) runJob(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if job.remove {
		if s.store != nil {
			if err := s.store.DeleteLayer(ctx, job.id); err != nil {
				s.log.Warn("remote delete failed", zap.String("layer", job.id.String()), zap.Error(err))
			}
		}
		if s.assets != nil && job.jobID != "" {
			if err := s.assets.Remove(job.jobID); err != nil {
				s.log.Warn("evict cached asset failed", zap.String("job", job.jobID), zap.Error(err))
			}
		}
		return
	}

	s.mu.RLock()
	e, ok := s.index[job.id]
	var layer model.Layer
	if ok {
		layer = e.layer.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.store.SaveLayer(ctx, layer, layer.AudioReference); err != nil {
		s.log.Warn("persist layer failed", zap.String("layer", job.id.String()), zap.Error(err))
		return
	}
	s.log.Debug("layer persisted", zap.String("layer", job.id.String()))
}

// DeleteLayer stops and forgets a layer, then removes its remote copy and
// cached asset in the background. A deleted id is never added again. Unknown
// ids are a no-op.
func (s *Studio) DeleteLayer(id model.LayerID) error {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := s.engine.Unregister(id); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.index, id)
	s.deleted[id] = struct{}{}
	for i, cur := range s.layers {
		if cur == e {
			s.layers = append(s.layers[:i], s.layers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.bus.Publish(events.Event{Type: events.EventLayerRemoved, LayerID: id})
	s.log.Info("layer deleted", zap.String("layer", id.String()))

	s.enqueue(persistJob{id: id, remove: true, jobID: e.jobID})
	return nil
}

func (s *Studio) known(op string, id model.LayerID) error {
	s.mu.RLock()
	_, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return layererrors.NewLayerError(op, id.String(), layererrors.ErrLayerNotFound)
	}
	return nil
}

// Toggle plays a paused layer or pauses a playing one.
func (s *Studio) Toggle(ctx context.Context, id model.LayerID) error {
	if err := s.known("toggle", id); err != nil {
		return err
	}
	return s.engine.Toggle(ctx, id)
}

// PlayAll starts every layer that is not playing. Failures of single layers
// are collected; the others still start.
func (s *Studio) PlayAll(ctx context.Context) error {
	states := s.engine.States()
	var errs []error
	for _, id := range s.ids() {
		st, ok := states[id]
		if !ok || st.IsPlaying() {
			continue
		}
		if err := s.engine.Play(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll pauses every playing or loading layer.
func (s *Studio) StopAll() error {
	states := s.engine.States()
	var errs []error
	for _, id := range s.ids() {
		st, ok := states[id]
		if !ok || !(st.IsPlaying() || st.Status == playback.StatusLoading) {
			continue
		}
		if err := s.engine.Pause(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Seek moves a layer's playback cursor.
func (s *Studio) Seek(id model.LayerID, pos time.Duration) error {
	if err := s.known("seek", id); err != nil {
		return err
	}
	return s.engine.Seek(id, pos)
}

func (s *Studio) SetMuted(id model.LayerID, muted bool) error {
	if err := s.known("mute", id); err != nil {
		return err
	}
	return s.engine.SetMuted(id, muted)
}

func (s *Studio) SetSolo(id model.LayerID, solo bool) error {
	if err := s.known("solo", id); err != nil {
		return err
	}
	return s.engine.SetSolo(id, solo)
}

func (s *Studio) SetVolume(id model.LayerID, volume float64) error {
	if err := s.known("volume", id); err != nil {
		return err
	}
	return s.engine.SetVolume(id, volume)
}

func (s *Studio) SetLooping(id model.LayerID, looping bool) error {
	if err := s.known("loop", id); err != nil {
		return err
	}
	return s.engine.SetLooping(id, looping)
}

// SetPublic changes a layer's visibility and saves it again.
func (s *Studio) SetPublic(id model.LayerID, public bool) error {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return layererrors.NewLayerError("publish", id.String(), layererrors.ErrLayerNotFound)
	}
	e.layer.IsPublic = public
	layer := e.layer.Clone()
	s.mu.Unlock()

	s.bus.Publish(events.Event{Type: events.EventStateChange, LayerID: id, Layer: &layer})
	s.persist(id)
	return nil
}

func (s *Studio) ids() []model.LayerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]model.LayerID, len(s.layers))
	for i, e := range s.layers {
		ids[i] = e.layer.ID
	}
	return ids
}

// Layers returns the layers in creation order with their current playback
// state.
func (s *Studio) Layers() []model.Layer {
	states := s.engine.States()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Layer, 0, len(s.layers))
	for _, e := range s.layers {
		out = append(out, merge(e.layer, states[e.layer.ID]))
	}
	return out
}

// Layer returns one layer with its current playback state.
func (s *Studio) Layer(id model.LayerID) (model.Layer, bool) {
	s.mu.RLock()
	e, ok := s.index[id]
	var l model.Layer
	if ok {
		l = e.layer.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return model.Layer{}, false
	}
	st, registered := s.engine.State(id)
	if !registered {
		return l, true
	}
	return merge(l, st), true
}

func merge(l model.Layer, st playback.State) model.Layer {
	out := l.Clone()
	if st.LayerID == "" {
		return out
	}
	out.IsPlaying = st.IsPlaying()
	out.Position = st.Position
	out.Duration = st.Duration
	out.Volume = st.Volume
	out.IsMuted = st.Muted
	out.IsSolo = st.Solo
	out.IsLooping = st.Looping
	return out
}

// IsGenerating reports whether any generation is in flight.
func (s *Studio) IsGenerating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generating > 0
}

// LoadForUser adds the persisted layers of id that are neither present nor
// deleted in this session.
// It is meant to be registered as a session handler.
func (s *Studio) LoadForUser(ctx context.Context, id auth.Identity) error {
	if s.store == nil {
		return nil
	}
	layers, err := s.store.LoadLayersForUser(ctx, id.UserID)
	if err != nil {
		return fmt.Errorf("load layers for %s: %w", id.UserID, err)
	}
	added := 0
	for _, l := range layers {
		s.mu.RLock()
		_, exists := s.index[l.ID]
		_, gone := s.deleted[l.ID]
		s.mu.RUnlock()
		if exists || gone {
			continue
		}
		if err := s.add(l, ""); err != nil {
			return err
		}
		added++
	}
	s.log.Info("layers loaded", zap.String("user", id.UserID), zap.Int("added", added), zap.Int("stored", len(layers)))
	return nil
}

// Close waits for background work, including queued persistence, and shuts
// the engine down.
func (s *Studio) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bg.Wait()
	})
	return s.engine.Close()
}
