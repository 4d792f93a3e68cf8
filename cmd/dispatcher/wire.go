package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"yqhp/dispatcher/internal/cache"
	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/internal/store/gormstore"
	"yqhp/dispatcher/pkg/types"
)

// functionsDoc is the layout of the function catalog file.
type functionsDoc struct {
	Functions []types.FunctionConfig `yaml:"functions"`
	// Internal lists extra internal function codes besides the built-in ones.
	Internal []string `yaml:"internal,omitempty"`
}

func loadFunctions(path string) (*functionsDoc, error) {
	doc := &functionsDoc{}
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取函数目录失败: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("解析函数目录失败: %w", err)
	}
	seen := make(map[string]bool, len(doc.Functions))
	for i, fn := range doc.Functions {
		if fn.Code == "" {
			return nil, fmt.Errorf("functions[%d]: code is required", i)
		}
		if seen[fn.Code] {
			return nil, fmt.Errorf("functions[%d]: duplicate code %s", i, fn.Code)
		}
		seen[fn.Code] = true
	}
	return doc, nil
}

func (d *functionsDoc) catalog() *producer.Catalog {
	return producer.NewCatalog(d.Functions...)
}

// backends holds the storage collaborators and their cleanup.
type backends struct {
	store   store.Store
	cache   cache.Store
	closers []func() error
}

func (b *backends) Close(log *zap.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn("close backend", zap.Error(err))
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{}

	var gs *gormstore.Store
	switch cfg.Database.Driver {
	case "memory":
		b.store = store.NewMemory()
	default:
		var err error
		gs, err = gormstore.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		b.store = gs
		b.closers = append(b.closers, gs.Close)
	}
	log.Info("entity store ready", zap.String("driver", cfg.Database.Driver))

	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			b.Close(log)
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		b.cache = cache.NewRedisStore(client, cfg.Cache.KeyPrefix, cfg.Cache.TTL)
		b.closers = append(b.closers, client.Close)
	case "database":
		if gs == nil {
			b.Close(log)
			return nil, fmt.Errorf("database cache backend requires a sql database driver")
		}
		b.cache = gs.Cache()
	default:
		b.cache = cache.NewMemory()
	}
	log.Info("cache store ready", zap.String("backend", cfg.Cache.Backend))
	return b, nil
}
