package database

import (
	"context"
	"fmt"

	"github.com/chartlens/chartlens/models"
	"gorm.io/gorm"
)

// ChartStore wraps chart record persistence. Optional fields (embedding, map
// paths) are always written with column-level updates so concurrent writers
// populating different fields cannot clobber each other.
type ChartStore struct {
	db *gorm.DB
}

func NewChartStore(db *gorm.DB) *ChartStore {
	return &ChartStore{db: db}
}

func (s *ChartStore) CreateChart(ctx context.Context, rec *models.ChartRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *ChartStore) GetChart(ctx context.Context, id uint) (*models.ChartRecord, error) {
	var rec models.ChartRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, fmt.Errorf("loading chart %d: %w", id, err)
	}
	return &rec, nil
}

// UpdateChartField writes a single column, never the whole record.
func (s *ChartStore) UpdateChartField(ctx context.Context, id uint, column string, value any) error {
	return s.db.WithContext(ctx).
		Model(&models.ChartRecord{}).
		Where("id = ?", id).
		Update(column, value).Error
}

// ChartsMissingMaps returns records that still lack at least one derived map.
func (s *ChartStore) ChartsMissingMaps(ctx context.Context) ([]models.ChartRecord, error) {
	var recs []models.ChartRecord
	err := s.db.WithContext(ctx).
		Where("depth_map_path IS NULL OR edge_map_path IS NULL OR gradient_map_path IS NULL").
		Find(&recs).Error
	return recs, err
}
