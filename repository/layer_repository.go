package repository

import (
	"context"
	"errors"

	"Strata/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LayerRepository 图层数据访问接口
type LayerRepository interface {
	Upsert(ctx context.Context, rec *model.LayerRecord) error
	GetByID(ctx context.Context, id string) (*model.LayerRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*model.LayerRecord, error)
	ListPublic(ctx context.Context, limit int) ([]*model.LayerRecord, error)
	Delete(ctx context.Context, id string) error
	IncrementUseCount(ctx context.Context, id string) error
}

// gormLayerRepository GORM 实现
type gormLayerRepository struct {
	db *gorm.DB
}

// NewGormLayerRepository 创建 GORM 图层仓库
func NewGormLayerRepository(db *gorm.DB) LayerRepository {
	return &gormLayerRepository{db: db}
}

// upsertClause replaces every column of an existing document except the key.
func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}
}

// Upsert 创建或覆盖图层文档
func (r *gormLayerRepository) Upsert(ctx context.Context, rec *model.LayerRecord) error {
	return r.db.WithContext(ctx).Clauses(upsertClause()).Create(rec).Error
}

// GetByID 根据ID获取图层，不存在时返回 nil
func (r *gormLayerRepository) GetByID(ctx context.Context, id string) (*model.LayerRecord, error) {
	var rec model.LayerRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListByUser 获取用户的所有图层，按创建时间排序
func (r *gormLayerRepository) ListByUser(ctx context.Context, userID string) ([]*model.LayerRecord, error) {
	var recs []*model.LayerRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&recs).Error
	return recs, err
}

// ListPublic 获取公开图层，使用次数多的在前
func (r *gormLayerRepository) ListPublic(ctx context.Context, limit int) ([]*model.LayerRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*model.LayerRecord
	err := r.db.WithContext(ctx).
		Where("is_public = ?", true).
		Order("use_count DESC, created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// Delete 删除图层
func (r *gormLayerRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.LayerRecord{}).Error
}

// IncrementUseCount 使用次数加一
func (r *gormLayerRepository) IncrementUseCount(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.LayerRecord{}).
		Where("id = ?", id).
		UpdateColumn("use_count", gorm.Expr("use_count + ?", 1)).Error
}
