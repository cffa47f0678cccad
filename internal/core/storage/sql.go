package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zeusync/workbench/internal/core/models"
)

var _ Store = (*SQLStore)(nil)

type entityLock struct {
	ModelName        string `gorm:"primaryKey;size:64"`
	ModelPK          string `gorm:"primaryKey;size:64"`
	LockedByPK       string `gorm:"size:64;not null"`
	LockedByUsername string `gorm:"size:150"`
	LockedAt         time.Time
	LockedUntil      time.Time `gorm:"index"`
}

func (entityLock) TableName() string { return "entity_locks" }

func (l entityLock) record() LockRecord {
	return LockRecord{
		Ref:         models.Ref(l.ModelName, l.ModelPK),
		LockedBy:    models.UserRef{PK: l.LockedByPK, Username: l.LockedByUsername},
		LockedAt:    l.LockedAt,
		LockedUntil: l.LockedUntil,
	}
}

type entityRelation struct {
	ModelName string `gorm:"primaryKey;size:64"`
	ModelPK   string `gorm:"primaryKey;size:64"`
	Relations int    `gorm:"not null;default:0"`
}

func (entityRelation) TableName() string { return "entity_relations" }

// SQLStore persists locks in sqlite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (and migrates) the sqlite database at dsn.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.AutoMigrate(&entityLock{}, &entityRelation{}); err != nil {
		return nil, errors.Wrap(err, "migrate lock tables")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) GetLock(ctx context.Context, ref models.EntityRef) (LockRecord, bool, error) {
	var row entityLock
	err := s.db.WithContext(ctx).
		Where("model_name = ? AND model_pk = ? AND locked_until > ?", ref.Model, ref.PK, time.Now()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, errors.Wrap(err, "get lock")
	}
	return row.record(), true, nil
}

func (s *SQLStore) PutLock(ctx context.Context, rec LockRecord) error {
	if rec.Ref.IsZero() || rec.LockedBy.PK == "" {
		return ErrInvalidRecord
	}
	row := entityLock{
		ModelName:        rec.Ref.Model,
		ModelPK:          rec.Ref.PK,
		LockedByPK:       rec.LockedBy.PK,
		LockedByUsername: rec.LockedBy.Username,
		LockedAt:         rec.LockedAt,
		LockedUntil:      rec.LockedUntil,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_name"}, {Name: "model_pk"}},
		DoUpdates: clause.AssignmentColumns([]string{"locked_by_pk", "locked_by_username", "locked_at", "locked_until"}),
	}).Create(&row).Error
	return errors.Wrap(err, "put lock")
}

func (s *SQLStore) DeleteLock(ctx context.Context, ref models.EntityRef) error {
	err := s.db.WithContext(ctx).
		Where("model_name = ? AND model_pk = ?", ref.Model, ref.PK).
		Delete(&entityLock{}).Error
	return errors.Wrap(err, "delete lock")
}

// ExpiredLocks removes and returns every lock that lapsed at or before now.
func (s *SQLStore) ExpiredLocks(ctx context.Context, now time.Time) ([]LockRecord, error) {
	var out []LockRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []entityLock
		if err := tx.Where("locked_until <= ?", now).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			res := tx.Where("model_name = ? AND model_pk = ? AND locked_until <= ?", row.ModelName, row.ModelPK, now).
				Delete(&entityLock{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				out = append(out, row.record())
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect expired locks")
	}
	return out, nil
}

func (s *SQLStore) AddRelation(ctx context.Context, ref models.EntityRef) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := entityRelation{ModelName: ref.Model, ModelPK: ref.PK, Relations: 1}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_name"}, {Name: "model_pk"}},
			DoUpdates: clause.Assignments(map[string]any{"relations": gorm.Expr("relations + 1")}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Model(&entityRelation{}).
			Select("relations").
			Where("model_name = ? AND model_pk = ?", ref.Model, ref.PK).
			Scan(&count).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "add relation")
	}
	return count, nil
}

func (s *SQLStore) RelationCount(ctx context.Context, ref models.EntityRef) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Model(&entityRelation{}).
		Select("relations").
		Where("model_name = ? AND model_pk = ?", ref.Model, ref.PK).
		Scan(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "relation count")
	}
	return count, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
