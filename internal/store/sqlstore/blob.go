package sqlstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/studychat/internal/store/blob"
)

// Blob is one stored value; the table acts as a namespaced key/value store.
type Blob struct {
	Key       string    `gorm:"primaryKey;type:varchar(191)"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Blob) TableName() string { return "blobs" }

type Store struct {
	db *gorm.DB
}

var _ blob.Store = (*Store)(nil)

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Blob{}); err != nil {
		return nil, errors.Wrap(err, "migrate blobs table")
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var b Blob
	if err := s.db.WithContext(ctx).Where(&Blob{Key: key}).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, blob.ErrNotFound
		}
		return nil, errors.Wrapf(err, "select blob %s", key)
	}
	return b.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	row := Blob{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "upsert blob %s", key)
	}
	return nil
}
