package studio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Strata/core/assetcache"
	"Strata/core/auth"
	"Strata/core/compose"
	"Strata/core/playback"
	"Strata/model"
	layererrors "Strata/pkg/errors"
	"Strata/pkg/events"
)

// testPlayer advances with the wall clock while playing.
type testPlayer struct {
	mu      sync.Mutex
	playing bool
	offset  time.Duration
	started time.Time
	gain    float64
	closed  bool
}

func (p *testPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		p.playing = true
		p.started = time.Now()
	}
	return nil
}

func (p *testPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = p.position()
	p.playing = false
	return nil
}

func (p *testPlayer) Seek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = pos
	p.started = time.Now()
	return nil
}

func (p *testPlayer) position() time.Duration {
	if !p.playing {
		return p.offset
	}
	return p.offset + time.Since(p.started)
}

func (p *testPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position()
}

func (p *testPlayer) SetGain(g float64) {
	p.mu.Lock()
	p.gain = g
	p.mu.Unlock()
}

func (p *testPlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.playing = false
	p.mu.Unlock()
	return nil
}

type playerLog struct {
	mu      sync.Mutex
	opened  []playback.Source
	players []*testPlayer
	fail    map[string]bool // references that fail to open
}

func (l *playerLog) factory() playback.PlayerFactory {
	return playback.FactoryFunc(func(ctx context.Context, src playback.Source) (playback.Player, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.opened = append(l.opened, src)
		if l.fail[src.Reference] {
			return nil, errors.New("unreadable asset")
		}
		p := &testPlayer{}
		l.players = append(l.players, p)
		return p, nil
	})
}

// composeAPI is a fake composition service that also serves the rendered
// audio.
type composeAPI struct {
	composedAfter int // pending polls before composed; negative never completes
	stems         map[string]string
	trackStatus   int // status of the track download, 0 means 200
	polls         int32
	srv           *httptest.Server
}

func newComposeAPI(t *testing.T, composedAfter int) *composeAPI {
	t.Helper()
	api := &composeAPI{composedAfter: composedAfter}
	mux := http.NewServeMux()
	mux.HandleFunc("/compose", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "job-42"})
	})
	mux.HandleFunc("/tasks/job-42", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&api.polls, 1))
		if api.composedAfter < 0 || n <= api.composedAfter {
			json.NewEncoder(w).Encode(map[string]string{"status": "composing"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "composed",
			"meta": map[string]interface{}{
				"track_url": api.srv.URL + "/files/track.wav",
				"stems_url": api.stems,
			},
		})
	})
	mux.HandleFunc("/files/track.wav", func(w http.ResponseWriter, r *http.Request) {
		if api.trackStatus != 0 {
			w.WriteHeader(api.trackStatus)
			return
		}
		w.Write([]byte("RIFF....WAVEfmt "))
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *composeAPI) client(timeout time.Duration) *compose.Client {
	c := compose.NewClient(a.srv.URL, "key", nil)
	c.SetPollInterval(10 * time.Millisecond)
	c.SetGenerationTimeout(timeout)
	return c
}

type memStore struct {
	mu      sync.Mutex
	saved   map[model.LayerID]model.Layer
	deleted []model.LayerID
	stored  []model.Layer

	saving chan model.LayerID // receives the id of every save as it starts
	hold   chan struct{}      // saves block until closed
}

func (s *memStore) SaveLayer(ctx context.Context, layer model.Layer, localRef string) error {
	if s.saving != nil {
		s.saving <- layer.ID
	}
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[model.LayerID]model.Layer)
	}
	s.saved[layer.ID] = layer
	return nil
}

func (s *memStore) LoadLayersForUser(ctx context.Context, userID string) ([]model.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

func (s *memStore) DeleteLayer(ctx context.Context, id model.LayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	delete(s.saved, id)
	return nil
}

type fixture struct {
	studio  *Studio
	players *playerLog
	cache   *assetcache.Cache
	store   *memStore
	bus     *events.EventBus
}

func newFixture(t *testing.T, composer compose.Composer, delay time.Duration) *fixture {
	t.Helper()
	players := &playerLog{fail: map[string]bool{}}
	bus := events.NewEventBus()
	engine := playback.NewEngine(playback.Options{Factory: players.factory(), Bus: bus, TickInterval: 10 * time.Millisecond})
	ac, err := assetcache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	store := &memStore{}
	s, err := New(Options{
		Composer:      composer,
		Assets:        ac,
		Engine:        engine,
		Store:         store,
		AutoPlayDelay: delay,
		Bus:           bus,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Close()
		bus.Close()
	})
	return &fixture{studio: s, players: players, cache: ac, store: store, bus: bus}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateLayer_ComposedAfterThreePolls(t *testing.T) {
	api := newComposeAPI(t, 2)
	f := newFixture(t, api.client(5*time.Second), 0)

	layer, err := f.studio.CreateLayer(context.Background(), CreateRequest{
		Prompt:     "a dreamy synth melody, 120 BPM",
		Instrument: model.InstrumentAll,
	})
	if err != nil {
		t.Fatalf("CreateLayer: %v", err)
	}
	if got := atomic.LoadInt32(&api.polls); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
	if f.studio.IsGenerating() {
		t.Error("IsGenerating should be false after completion")
	}

	layers := f.studio.Layers()
	if len(layers) != 1 {
		t.Fatalf("layers = %d, want 1", len(layers))
	}
	l := layers[0]
	if l.ID != layer.ID || l.BPM != 120 || l.Instrument != model.InstrumentAll {
		t.Errorf("layer = %+v", l)
	}
	if l.AudioReference != f.cache.Path("job-42") {
		t.Errorf("AudioReference = %q, want cached file", l.AudioReference)
	}
	if _, err := os.Stat(l.AudioReference); err != nil {
		t.Errorf("cached asset missing: %v", err)
	}
	if l.IsPlaying {
		t.Error("layer should not play before the auto-play delay")
	}

	waitFor(t, "auto-play", func() bool {
		l, _ := f.studio.Layer(layer.ID)
		return l.IsPlaying
	})

	waitFor(t, "background persistence", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		_, ok := f.store.saved[layer.ID]
		return ok
	})
}

func TestCreateLayer_Timeout(t *testing.T) {
	api := newComposeAPI(t, -1)
	f := newFixture(t, api.client(100*time.Millisecond), 0)

	layer, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "endless"})
	if !errors.Is(err, layererrors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if layer != nil {
		t.Error("no layer should be returned")
	}
	if f.studio.IsGenerating() {
		t.Error("IsGenerating should be cleared")
	}
	if n := len(f.studio.Layers()); n != 0 {
		t.Errorf("layers = %d, want 0", n)
	}
}

func TestCreateLayer_MissingStem(t *testing.T) {
	api := newComposeAPI(t, 0)
	api.stems = map[string]string{"melody": "https://cdn.example/melody.wav"}
	f := newFixture(t, api.client(5*time.Second), 0)

	_, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "deep bass", Instrument: model.InstrumentBass})
	if !errors.Is(err, layererrors.ErrAssetResolution) {
		t.Fatalf("err = %v, want ErrAssetResolution", err)
	}
	if n := len(f.studio.Layers()); n != 0 {
		t.Errorf("layers = %d, want 0", n)
	}
}

func TestCreateLayer_DownloadFailureFallsBackToRemote(t *testing.T) {
	api := newComposeAPI(t, 0)
	api.trackStatus = http.StatusNotFound
	f := newFixture(t, api.client(5*time.Second), -1)

	layer, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "lofi drums"})
	if err != nil {
		t.Fatalf("CreateLayer: %v", err)
	}
	if layer.AudioReference != api.srv.URL+"/files/track.wav" {
		t.Errorf("AudioReference = %q, want remote url", layer.AudioReference)
	}
}

func TestCreateLayer_EmptyPromptIsNoop(t *testing.T) {
	composer := &stubComposer{}
	f := newFixture(t, composer, -1)

	layer, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "   "})
	if layer != nil || err != nil {
		t.Fatalf("CreateLayer = %v, %v", layer, err)
	}
	if atomic.LoadInt32(&composer.calls) != 0 {
		t.Error("composer should not be called")
	}
}

type stubComposer struct {
	gate  chan struct{}
	calls int32
	err   error
}

func (c *stubComposer) Compose(ctx context.Context, req compose.Request) (compose.Result, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return compose.Result{}, ctx.Err()
		}
	}
	if c.err != nil {
		return compose.Result{}, c.err
	}
	id := "job-" + string(rune('a'+n))
	return compose.Result{TaskID: id, AssetURL: "https://cdn.example/" + id + ".wav"}, nil
}

func TestCreateLayer_DuplicateTriggerRejected(t *testing.T) {
	composer := &stubComposer{gate: make(chan struct{})}
	f := newFixture(t, composer, -1)
	f.studio.assets = nil

	req := CreateRequest{Prompt: "same idea", Instrument: model.InstrumentChords}
	done := make(chan error, 1)
	go func() {
		_, err := f.studio.CreateLayer(context.Background(), req)
		done <- err
	}()
	waitFor(t, "generation start", f.studio.IsGenerating)

	if _, err := f.studio.CreateLayer(context.Background(), req); !errors.Is(err, layererrors.ErrGenerationInProgress) {
		t.Errorf("duplicate = %v, want ErrGenerationInProgress", err)
	}

	close(composer.gate)
	if err := <-done; err != nil {
		t.Fatalf("first CreateLayer: %v", err)
	}
	if n := len(f.studio.Layers()); n != 1 {
		t.Errorf("layers = %d, want 1", n)
	}
	if f.studio.IsGenerating() {
		t.Error("IsGenerating should be cleared")
	}
}

func TestCreateLayer_DistinctLayersGetUniqueIDs(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	f.studio.assets = nil
	ctx := context.Background()

	a, err := f.studio.CreateLayer(ctx, CreateRequest{Prompt: "first"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.studio.CreateLayer(ctx, CreateRequest{Prompt: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("ids must be unique")
	}
	layers := f.studio.Layers()
	if len(layers) != 2 || layers[0].ID != a.ID || layers[1].ID != b.ID {
		t.Errorf("order = %v", layers)
	}
}

func TestCreateLayer_FailureAppendsNothing(t *testing.T) {
	f := newFixture(t, &stubComposer{err: layererrors.ErrNetwork}, -1)
	_, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "x"})
	if !errors.Is(err, layererrors.ErrNetwork) {
		t.Fatalf("err = %v", err)
	}
	if len(f.studio.Layers()) != 0 || f.studio.IsGenerating() {
		t.Error("failed generation must leave no trace")
	}
}

func TestDeleteLayer_Idempotent(t *testing.T) {
	api := newComposeAPI(t, 0)
	f := newFixture(t, api.client(5*time.Second), -1)
	layer, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "to delete"})
	if err != nil {
		t.Fatal(err)
	}
	if !f.cache.Has("job-42") {
		t.Fatal("asset should be cached")
	}

	if err := f.studio.DeleteLayer(layer.ID); err != nil {
		t.Fatalf("DeleteLayer: %v", err)
	}
	if len(f.studio.Layers()) != 0 {
		t.Error("layer still listed")
	}
	if err := f.studio.DeleteLayer(layer.ID); err != nil {
		t.Errorf("second DeleteLayer: %v", err)
	}

	waitFor(t, "background cleanup", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.deleted) == 1 && !f.cache.Has("job-42")
	})
}

func addLayers(t *testing.T, f *fixture, n int) []model.LayerID {
	t.Helper()
	f.studio.assets = nil
	ids := make([]model.LayerID, n)
	for i := range ids {
		l, err := f.studio.CreateLayer(context.Background(), CreateRequest{Prompt: "layer " + string(rune('a'+i))})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = l.ID
	}
	return ids
}

func TestPlayAllThenStopAll(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	ids := addLayers(t, f, 3)
	ctx := context.Background()

	// mixed initial state
	if err := f.studio.Toggle(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}

	if err := f.studio.PlayAll(ctx); err != nil {
		t.Fatalf("PlayAll: %v", err)
	}
	for _, l := range f.studio.Layers() {
		if !l.IsPlaying {
			t.Errorf("%s not playing after PlayAll", l.ID)
		}
	}
	f.players.mu.Lock()
	opened := len(f.players.opened)
	f.players.mu.Unlock()
	if opened != 3 {
		t.Errorf("opened %d players, want 3 (no double toggle)", opened)
	}

	if err := f.studio.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, l := range f.studio.Layers() {
		if l.IsPlaying {
			t.Errorf("%s still playing after StopAll", l.ID)
		}
	}
	if err := f.studio.StopAll(); err != nil {
		t.Errorf("second StopAll: %v", err)
	}
}

func TestPlayAll_OneBrokenLayerDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	ids := addLayers(t, f, 2)
	bad, _ := f.studio.Layer(ids[0])
	f.players.fail[bad.AudioReference] = true

	err := f.studio.PlayAll(context.Background())
	if !errors.Is(err, layererrors.ErrPlayback) {
		t.Fatalf("err = %v, want ErrPlayback", err)
	}
	if l, _ := f.studio.Layer(ids[0]); l.IsPlaying {
		t.Error("broken layer should not play")
	}
	if l, _ := f.studio.Layer(ids[1]); !l.IsPlaying {
		t.Error("healthy layer should play")
	}
}

func TestMuteKeepsPositionAdvancing(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	id := addLayers(t, f, 1)[0]
	ctx := context.Background()

	if err := f.studio.Toggle(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := f.studio.SetMuted(id, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "position to advance", func() bool {
		l, _ := f.studio.Layer(id)
		return l.Position >= 100*time.Millisecond
	})
	l, _ := f.studio.Layer(id)
	if !l.IsMuted || !l.IsPlaying {
		t.Errorf("layer = %+v", l)
	}
	f.players.mu.Lock()
	p := f.players.players[0]
	f.players.mu.Unlock()
	p.mu.Lock()
	gain := p.gain
	p.mu.Unlock()
	if gain != 0 {
		t.Errorf("muted gain = %v", gain)
	}
}

func TestUnknownLayerOperations(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	id := model.LayerID("missing")
	if err := f.studio.Toggle(context.Background(), id); !errors.Is(err, layererrors.ErrLayerNotFound) {
		t.Errorf("Toggle = %v", err)
	}
	if err := f.studio.SetPublic(id, true); !errors.Is(err, layererrors.ErrLayerNotFound) {
		t.Errorf("SetPublic = %v", err)
	}
	if err := f.studio.SetVolume(id, 0.5); !errors.Is(err, layererrors.ErrLayerNotFound) {
		t.Errorf("SetVolume = %v", err)
	}
}

func TestSetPublicPersists(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	id := addLayers(t, f, 1)[0]

	if err := f.studio.SetPublic(id, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "public layer saved", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.saved[id].IsPublic
	})
}

func waitSave(t *testing.T, f *fixture) model.LayerID {
	t.Helper()
	select {
	case id := <-f.store.saving:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no save started")
		return ""
	}
}

func TestSetPublicAfterInflightSave(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	f.store.saving = make(chan model.LayerID, 4)
	f.store.hold = make(chan struct{})
	id := addLayers(t, f, 1)[0]
	waitSave(t, f)

	if err := f.studio.SetPublic(id, true); err != nil {
		t.Fatal(err)
	}
	close(f.store.hold)

	waitFor(t, "second save", func() bool { return len(f.store.saving) == 1 })
	waitFor(t, "public layer saved", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.saved[id].IsPublic
	})
}

func TestDeleteDuringSaveRemovesRemoteCopy(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	f.store.saving = make(chan model.LayerID, 4)
	f.store.hold = make(chan struct{})
	id := addLayers(t, f, 1)[0]
	waitSave(t, f)

	if err := f.studio.DeleteLayer(id); err != nil {
		t.Fatal(err)
	}
	close(f.store.hold)

	waitFor(t, "remote delete", func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.deleted) == 1
	})
	f.store.mu.Lock()
	_, kept := f.store.saved[id]
	f.store.mu.Unlock()
	if kept {
		t.Error("deleted layer is still stored remotely")
	}
	if n := len(f.store.saving); n != 0 {
		t.Errorf("%d saves ran after the delete", n)
	}
}

func TestLoadForUserSkipsDeletedLayers(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	id := addLayers(t, f, 1)[0]
	l, _ := f.studio.Layer(id)
	if err := f.studio.DeleteLayer(id); err != nil {
		t.Fatal(err)
	}

	f.store.mu.Lock()
	f.store.stored = []model.Layer{l}
	f.store.mu.Unlock()
	if err := f.studio.LoadForUser(context.Background(), auth.Identity{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if n := len(f.studio.Layers()); n != 0 {
		t.Errorf("layers after load = %d, want 0", n)
	}
}

func TestCreateLayer_RequestOwner(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	f.studio.assets = nil
	f.studio.identity = fixedIdentity{auth.Identity{UserID: "u7", Name: "Kim"}}

	l, err := f.studio.CreateLayer(context.Background(), CreateRequest{
		Prompt: "night drive",
		Owner:  auth.Identity{UserID: "u9", Name: "Lee"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.CreatorID != "u9" || l.CreatorName != "Lee" {
		t.Errorf("creator = %q/%q, want u9/Lee", l.CreatorID, l.CreatorName)
	}
	if l.SourceURL != "https://cdn.example/job-b.wav" {
		t.Errorf("SourceURL = %q", l.SourceURL)
	}
}

type fixedIdentity struct{ id auth.Identity }

func (f fixedIdentity) Current() (auth.Identity, bool) { return f.id, true }

func TestCreatorAndLoadForUser(t *testing.T) {
	f := newFixture(t, &stubComposer{}, -1)
	f.studio.identity = fixedIdentity{auth.Identity{UserID: "u7", Name: "Kim"}}
	id := addLayers(t, f, 1)[0]

	l, _ := f.studio.Layer(id)
	if l.CreatorID != "u7" || l.CreatorName != "Kim" {
		t.Errorf("creator = %q/%q", l.CreatorID, l.CreatorName)
	}

	stored, _ := model.NewLayer(model.LayerSpec{Prompt: "from the cloud", Volume: 1, AudioReference: "https://cdn.example/c.wav"})
	f.store.stored = []model.Layer{l, stored}

	if err := f.studio.LoadForUser(context.Background(), auth.Identity{UserID: "u7"}); err != nil {
		t.Fatal(err)
	}
	layers := f.studio.Layers()
	if len(layers) != 2 || layers[1].ID != stored.ID {
		t.Errorf("layers after load = %d", len(layers))
	}
	if layers[1].IsPlaying {
		t.Error("loaded layers start stopped")
	}
}
