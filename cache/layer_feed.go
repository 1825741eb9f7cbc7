package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Strata/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	layerChannelKey  = "layers:%s" // Pub/Sub: changes of one user's layers
	layerSnapshotKey = "layer:%s"  // String: last saved document JSON
	snapshotTTL      = 24 * time.Hour
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeSaved   ChangeType = "saved"
	ChangeDeleted ChangeType = "deleted"
)

// Change is one realtime notification about a stored layer.
type Change struct {
	Type    ChangeType         `json:"type"`
	LayerID string             `json:"layerId"`
	Record  *model.LayerRecord `json:"record,omitempty"`
	At      time.Time          `json:"at"`
}

// LayerFeed 图层实时推送与文档快照
type LayerFeed struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLayerFeed 创建图层推送
func NewLayerFeed(client *redis.Client, log *zap.Logger) *LayerFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &LayerFeed{client: client, log: log}
}

// ChannelKey is the pub/sub channel of userID's layers.
func ChannelKey(userID string) string {
	return fmt.Sprintf(layerChannelKey, userID)
}

// SnapshotKey is the key of a layer's cached document.
func SnapshotKey(layerID string) string {
	return fmt.Sprintf(layerSnapshotKey, layerID)
}

func encodeChange(c Change) ([]byte, error) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	return json.Marshal(c)
}

func decodeChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	return c, nil
}

// Publish 推送图层变更
func (f *LayerFeed) Publish(ctx context.Context, userID string, c Change) error {
	if f.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	data, err := encodeChange(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	return f.client.Publish(ctx, ChannelKey(userID), data).Err()
}

// Subscribe delivers the changes of userID's layers until ctx ends or the
// returned stop function is called.
func (f *LayerFeed) Subscribe(ctx context.Context, userID string) (<-chan Change, func() error, error) {
	if f.client == nil {
		return nil, nil, fmt.Errorf("Redis client not initialized")
	}
	pubsub := f.client.Subscribe(ctx, ChannelKey(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", ChannelKey(userID), err)
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c, err := decodeChange(msg.Payload)
				if err != nil {
					f.log.Warn("drop malformed layer change", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, pubsub.Close, nil
}

// Snapshot 缓存图层文档
func (f *LayerFeed) Snapshot(ctx context.Context, rec *model.LayerRecord) error {
	if f.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal layer: %w", err)
	}
	return f.client.Set(ctx, SnapshotKey(rec.ID), data, snapshotTTL).Err()
}

// GetSnapshot 获取缓存的图层文档，不存在时返回 nil
func (f *LayerFeed) GetSnapshot(ctx context.Context, layerID string) (*model.LayerRecord, error) {
	if f.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	data, err := f.client.Get(ctx, SnapshotKey(layerID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec model.LayerRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layer: %w", err)
	}
	return &rec, nil
}

// Forget 删除图层快照
func (f *LayerFeed) Forget(ctx context.Context, layerID string) error {
	if f.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return f.client.Del(ctx, SnapshotKey(layerID)).Err()
}
