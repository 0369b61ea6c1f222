package directory

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/internal/cache"
	"parley/internal/database"
)

func ProvideRepository(db *database.Database) Repository {
	return NewGormRepository(db)
}

func ProvideCache(redis *cache.RedisCache) Cache {
	return redis
}

func ProvideService(repo Repository, cache Cache, log *zap.SugaredLogger) *Service {
	return NewService(repo, cache, log)
}

func ProvideJSONHandler(service *Service) *JSONHandler {
	return NewJSONHandler(service)
}

var Set = wire.NewSet(ProvideRepository, ProvideCache, ProvideService, ProvideJSONHandler)
