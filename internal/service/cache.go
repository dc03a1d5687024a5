// CacheService — LRU-кэш с TTL для пути отдачи содержимого.
// Обёртка над hashicorp/golang-lru/v2/expirable.
//
// Хранятся только поля версии, не меняющиеся после фиксации: путь хранения,
// тип и имя файла. Флаг последней версии, описание и видимость меняются
// на любом экземпляре сервиса, поэтому читаются только из хранилища
// метаданных. Идентификаторы версий не переиспользуются, так что запись
// другого экземпляра не может подменить содержимое.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш отдачи содержимого.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша отдачи содержимого.",
	})
)

// StreamTarget — неизменяемые поля версии, достаточные для отдачи содержимого.
type StreamTarget struct {
	ID          string
	ChainID     string
	StoragePath string
	ContentType string
	Filename    string
}

func streamTargetOf(a *model.Attachment) StreamTarget {
	return StreamTarget{
		ID:          a.ID,
		ChainID:     a.ChainID,
		StoragePath: a.StoragePath,
		ContentType: a.ContentType,
		Filename:    a.OriginalFilename,
	}
}

// CacheService — LRU-кэш целей отдачи с автоматическим TTL.
type CacheService struct {
	cache *expirable.LRU[string, StreamTarget]
}

// NewCacheService создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	return &CacheService{cache: expirable.NewLRU[string, StreamTarget](maxSize, nil, ttl)}
}

// Get возвращает цель отдачи по id версии.
func (c *CacheService) Get(id string) (StreamTarget, bool) {
	val, ok := c.cache.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return StreamTarget{}, false
	}
	cacheHitsTotal.Inc()
	return val, true
}

// Set запоминает цель отдачи версии a.
func (c *CacheService) Set(a *model.Attachment) {
	c.cache.Add(a.ID, streamTargetOf(a))
}

// Delete удаляет записи из кэша.
func (c *CacheService) Delete(ids ...string) {
	for _, id := range ids {
		c.cache.Remove(id)
	}
}
