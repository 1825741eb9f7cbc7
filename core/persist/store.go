package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"Strata/cache"
	"Strata/model"
	"Strata/repository"
	"Strata/storage"

	"go.uber.org/zap"
)

// Store is the remote copy of a user's layers. Local state stays
// authoritative: callers log failures and never roll back.
type Store interface {
	SaveLayer(ctx context.Context, layer model.Layer, localRef string) error
	LoadLayersForUser(ctx context.Context, userID string) ([]model.Layer, error)
	DeleteLayer(ctx context.Context, id model.LayerID) error
}

// Feed is the realtime side channel of a RemoteStore.
type Feed interface {
	Publish(ctx context.Context, userID string, c cache.Change) error
	Snapshot(ctx context.Context, rec *model.LayerRecord) error
	GetSnapshot(ctx context.Context, layerID string) (*model.LayerRecord, error)
	Forget(ctx context.Context, layerID string) error
}

var _ Feed = (*cache.LayerFeed)(nil)

// RemoteStore uploads assets to blob storage and keeps one document per
// layer. Blobs and Feed are optional.
type RemoteStore struct {
	blobs storage.BlobStore
	repo  repository.LayerRepository
	feed  Feed
	log   *zap.Logger
}

var _ Store = (*RemoteStore)(nil)

// NewRemoteStore creates a store. repo is required.
func NewRemoteStore(repo repository.LayerRepository, blobs storage.BlobStore, feed Feed, log *zap.Logger) *RemoteStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RemoteStore{blobs: blobs, repo: repo, feed: feed, log: log}
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// SaveLayer uploads localRef when it is a local file and upserts the layer's
// document. A remote reference is stored as is. Without blob storage a local
// asset is stored under the layer's source URL.
func (s *RemoteStore) SaveLayer(ctx context.Context, layer model.Layer, localRef string) error {
	audioURL := localRef
	if localRef != "" && !isRemote(localRef) {
		switch {
		case s.blobs != nil:
			key := storage.LayerKey(layer.CreatorID, layer.ID.String(), localRef)
			url, err := s.blobs.Upload(ctx, key, localRef, "")
			if err != nil {
				return fmt.Errorf("save layer %s: %w", layer.ID, err)
			}
			audioURL = url
		case isRemote(layer.SourceURL):
			audioURL = layer.SourceURL
		default:
			return fmt.Errorf("save layer %s: no blob storage for local asset", layer.ID)
		}
	}

	rec := model.RecordFromLayer(layer, audioURL)
	if existing := s.existing(ctx, rec.ID); existing != nil {
		rec.UseCount = existing.UseCount
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save layer %s: %w", layer.ID, err)
	}

	if s.feed != nil {
		if err := s.feed.Snapshot(ctx, rec); err != nil {
			s.log.Warn("cache layer snapshot failed", zap.String("layer", rec.ID), zap.Error(err))
		}
		if err := s.feed.Publish(ctx, rec.UserID, cache.Change{Type: cache.ChangeSaved, LayerID: rec.ID, Record: rec}); err != nil {
			s.log.Warn("publish layer change failed", zap.String("layer", rec.ID), zap.Error(err))
		}
	}
	return nil
}

// existing returns the stored document of a layer, or nil. When the
// document store cannot be read the cached snapshot stands in.
func (s *RemoteStore) existing(ctx context.Context, id string) *model.LayerRecord {
	rec, err := s.repo.GetByID(ctx, id)
	if err == nil {
		return rec
	}
	if s.feed == nil {
		return nil
	}
	s.log.Warn("layer lookup failed, using cached snapshot", zap.String("layer", id), zap.Error(err))
	snap, err := s.feed.GetSnapshot(ctx, id)
	if err != nil {
		return nil
	}
	return snap
}

// LoadLayersForUser returns userID's layers, oldest first. Documents that
// cannot be converted are skipped.
func (s *RemoteStore) LoadLayersForUser(ctx context.Context, userID string) ([]model.Layer, error) {
	recs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	layers := make([]model.Layer, 0, len(recs))
	for _, rec := range recs {
		l, err := rec.ToLayer()
		if err != nil {
			s.log.Warn("skip malformed layer document", zap.String("layer", rec.ID), zap.Error(err))
			continue
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// DeleteLayer removes the document and, when it lives in our bucket, the
// uploaded asset.
func (s *RemoteStore) DeleteLayer(ctx context.Context, id model.LayerID) error {
	rec, err := s.repo.GetByID(ctx, id.String())
	if err != nil {
		return fmt.Errorf("delete layer %s: %w", id, err)
	}
	if rec == nil {
		return nil
	}

	var errs []error
	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		errs = append(errs, err)
	}
	if s.blobs != nil && rec.AudioURL != "" {
		key := storage.LayerKey(rec.UserID, rec.ID, rec.AudioURL)
		if err := s.blobs.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if s.feed != nil {
		if err := s.feed.Forget(ctx, rec.ID); err != nil {
			s.log.Warn("forget layer snapshot failed", zap.String("layer", rec.ID), zap.Error(err))
		}
		if err := s.feed.Publish(ctx, rec.UserID, cache.Change{Type: cache.ChangeDeleted, LayerID: rec.ID}); err != nil {
			s.log.Warn("publish layer change failed", zap.String("layer", rec.ID), zap.Error(err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete layer %s: %w", id, err)
	}
	return nil
}
