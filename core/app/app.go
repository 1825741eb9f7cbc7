package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"Strata/cache"
	"Strata/config"
	"Strata/core/assetcache"
	"Strata/core/auth"
	"Strata/core/compose"
	"Strata/core/persist"
	"Strata/core/playback"
	"Strata/core/studio"
	"Strata/db"
	"Strata/model"
	"Strata/pkg/events"
	"Strata/repository"
	"Strata/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the explicitly constructed application context. Components get
// their collaborators from here instead of package globals.
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Bus      *events.EventBus
	Engine   *playback.Engine
	Composer *compose.Client
	Assets   *assetcache.Cache
	Studio   *studio.Studio
	Tokens   *auth.TokenService
	Sessions *auth.Sessions

	// Remote persistence, nil when not configured.
	DB    *gorm.DB
	Redis *redis.Client
	Blobs *storage.MinioStore
	Repo  repository.LayerRepository
	Feed  *cache.LayerFeed
	Store persist.Store

	ctx    context.Context
	cancel context.CancelFunc

	feedMu     sync.Mutex
	stopFollow context.CancelFunc
}

// New wires every component from cfg. Remote services are only connected
// when configured.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &App{Config: cfg, Log: log, Bus: events.NewEventBus(), ctx: ctx, cancel: cancel}

	if err := a.connectRemote(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Composer = compose.NewClient(cfg.ComposeBaseURL, cfg.ComposeAPIKey, log.Named("compose"))
	a.Composer.SetPollInterval(cfg.PollInterval)
	a.Composer.SetGenerationTimeout(cfg.GenerationTimeout)
	if !a.Composer.HasAPIKey() {
		log.Warn("composition api key missing, layer generation disabled", zap.String("secrets", cfg.SecretsFile))
	}
	if err := config.WatchSecrets(ctx, cfg.SecretsFile, log.Named("config"), a.Composer.SetAPIKey); err != nil {
		log.Warn("secrets file is not watched", zap.Error(err))
	}

	assets, err := assetcache.New(cfg.AssetCacheDir, log.Named("assets"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Assets = assets

	var factory playback.PlayerFactory = playback.SilentFactory{}
	if cfg.AudioOutput {
		factory = playback.NewBeepFactory(log.Named("audio"))
	}
	a.Engine = playback.NewEngine(playback.Options{Factory: factory, Bus: a.Bus, Logger: log.Named("engine")})

	a.Tokens = auth.NewTokenService(cfg.JWTSecret, 0)
	a.Sessions = auth.NewSessions(a.Tokens)

	st, err := studio.New(studio.Options{
		Composer:      a.Composer,
		Assets:        a.Assets,
		Engine:        a.Engine,
		Store:         a.Store,
		Identity:      a.Sessions,
		AutoPlayDelay: cfg.AutoPlayDelay,
		Bus:           a.Bus,
		Logger:        log.Named("studio"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Studio = st

	a.Sessions.OnEstablished(a.Studio.LoadForUser)
	if a.Feed != nil {
		a.Sessions.OnEstablished(a.follow)
	}
	return a, nil
}

func (a *App) connectRemote(ctx context.Context) error {
	cfg := a.Config
	if !cfg.PersistenceEnabled() {
		a.Log.Info("remote persistence disabled")
		return nil
	}

	gdb, err := db.OpenGorm(cfg, a.Log.Named("db"))
	if err != nil {
		return err
	}
	a.DB = gdb
	a.Repo = repository.NewGormLayerRepository(gdb)

	var blobs storage.BlobStore
	if cfg.BlobStorageEnabled() {
		ms, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		}, a.Log.Named("minio"))
		if err != nil {
			return err
		}
		a.Blobs = ms
		blobs = ms
	}

	var feed persist.Feed
	if cfg.FeedEnabled() {
		client, err := db.OpenRedis(ctx, cfg)
		if err != nil {
			return err
		}
		a.Redis = client
		a.Feed = cache.NewLayerFeed(client, a.Log.Named("feed"))
		feed = a.Feed
	}

	a.Store = persist.NewRemoteStore(a.Repo, blobs, feed, a.Log.Named("persist"))
	return nil
}

// follow mirrors changes made from other sessions of the same user. A new
// session replaces the previous subscription.
func (a *App) follow(ctx context.Context, id auth.Identity) error {
	changes, stop, err := a.Feed.Subscribe(a.ctx, id.UserID)
	if err != nil {
		return fmt.Errorf("follow layers of %s: %w", id.UserID, err)
	}
	followCtx, cancel := context.WithCancel(a.ctx)

	a.feedMu.Lock()
	if a.stopFollow != nil {
		a.stopFollow()
	}
	a.stopFollow = cancel
	a.feedMu.Unlock()

	go func() {
		defer stop()
		for {
			select {
			case <-followCtx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				a.apply(followCtx, id, c)
			}
		}
	}()
	return nil
}

func (a *App) apply(ctx context.Context, id auth.Identity, c cache.Change) {
	switch c.Type {
	case cache.ChangeSaved:
		if err := a.Studio.LoadForUser(ctx, id); err != nil {
			a.Log.Warn("refresh layers failed", zap.String("layer", c.LayerID), zap.Error(err))
		}
	case cache.ChangeDeleted:
		if err := a.Studio.DeleteLayer(model.LayerID(c.LayerID)); err != nil {
			a.Log.Warn("apply remote delete failed", zap.String("layer", c.LayerID), zap.Error(err))
		}
	}
}

// Close tears the application down in reverse construction order.
func (a *App) Close() error {
	var errs []error
	a.cancel()
	if a.Studio != nil {
		errs = append(errs, a.Studio.Close())
	} else if a.Engine != nil {
		errs = append(errs, a.Engine.Close())
	}
	a.Bus.Close()
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, db.CloseGorm(a.DB))
	}
	return errors.Join(errs...)
}
