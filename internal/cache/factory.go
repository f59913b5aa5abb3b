package cache

import (
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"pyramidview/internal/pyramid"
)

// NewStore creates a store instance based on the store type
func NewStore(storeType string, maxImages int, log *zap.Logger) (Store, error) {
	switch storeType {
	case "unbounded", "":
		log.Info("Using unbounded pyramid store")
		return NewUnboundedStore(), nil
	case "lru":
		if maxImages <= 0 {
			return nil, errors.Newf(errors.CodeInvalidConfig, "lru store needs a positive image limit, got %d", maxImages)
		}
		log.Info("Using LRU pyramid store", zap.Int("max_images", maxImages))
		return NewLRUStore(maxImages, func(p *pyramid.Pyramid) {
			log.Debug("Evicted pyramid", zap.String("path", p.Path()), zap.Ints("layers", p.CachedLayers()))
		}), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown store type: %s (supported: unbounded, lru)", storeType)
	}
}
