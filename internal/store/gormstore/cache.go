package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"yqhp/dispatcher/internal/cache"
	"yqhp/dispatcher/pkg/types"
)

// CacheStore exposes the cache tables as a cache.Store.
type CacheStore struct {
	db *gorm.DB
}

// Cache returns the cache entry store sharing this connection.
func (s *Store) Cache() *CacheStore {
	return &CacheStore{db: s.db}
}

func (c *CacheStore) Find(ctx context.Context, key string) (*cache.Entry, error) {
	return c.find(c.db.WithContext(ctx), key)
}

func (c *CacheStore) find(db *gorm.DB, key string) (*cache.Entry, error) {
	var p CacheProcessModel
	err := db.Where("key_sha256 = ?", key).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cache process: %w", err)
	}
	var vs []CacheVariableModel
	if err := db.Where("cache_process_id = ?", p.ID).Order("id ASC").Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("find cache variables: %w", err)
	}
	e := &cache.Entry{Process: types.CacheProcess{
		ID:        p.ID,
		KeySHA256: p.KeySHA256,
		KeyValue:  p.KeyValue,
		CreatedOn: p.CreatedOn,
	}}
	for _, v := range vs {
		e.Variables = append(e.Variables, types.CacheVariable{
			ID:             v.ID,
			CacheProcessID: v.CacheProcessID,
			VariableName:   v.VariableName,
			Nullified:      v.Nullified,
			Data:           v.Data,
			CreatedOn:      v.CreatedOn,
		})
	}
	return e, nil
}

// Put stores the entry in one transaction. A concurrent writer of the same
// key wins through the unique index and its entry is returned.
func (c *CacheStore) Put(ctx context.Context, key, keyValue string, vars []types.CacheVariable) (*cache.Entry, bool, error) {
	var (
		entry   *cache.Entry
		created bool
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := types.NowMillis()
		p := &CacheProcessModel{KeySHA256: key, KeyValue: keyValue, CreatedOn: now}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(p)
		if res.Error != nil {
			return fmt.Errorf("create cache process: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var err error
			entry, err = c.find(tx, key)
			return err
		}
		for _, v := range vars {
			m := &CacheVariableModel{
				CacheProcessID: p.ID,
				VariableName:   v.VariableName,
				Nullified:      v.Nullified,
				Data:           v.Data,
				CreatedOn:      now,
			}
			if err := tx.Create(m).Error; err != nil {
				return fmt.Errorf("create cache variable %q: %w", v.VariableName, err)
			}
		}
		var err error
		entry, err = c.find(tx, key)
		created = true
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

func (c *CacheStore) Invalidate(ctx context.Context, cacheProcessID int64) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&CacheProcessModel{}, cacheProcessID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return cache.ErrEntryNotFound
		}
		return tx.Where("cache_process_id = ?", cacheProcessID).Delete(&CacheVariableModel{}).Error
	})
}

var _ cache.Store = (*CacheStore)(nil)
