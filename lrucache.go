/*
Modifications Copyright 2018-2021 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

This work is derived from github.com/golang/groupcache/lru
*/

package quoteproxy

import (
	"container/list"
	"sync/atomic"

	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// LRUCache is a response cache with an optional size bound.
// Not thread-safe.  Be sure to use a mutex to prevent concurrent method calls.
type LRUCache struct {
	cache     map[string]*list.Element
	ll        *list.List
	cacheSize int
	cacheLen  int64
}

// Prometheus metrics collector for LRUCache.
type LRUCacheCollector struct {
	caches []Cache
}

var _ Cache = &LRUCache{}
var _ prometheus.Collector = &LRUCacheCollector{}

var sizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "quoteproxy_cache_size",
	Help: "The number of upstream responses held in the cache.",
})
var accessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "quoteproxy_cache_access_count",
	Help: "Cache access counts.  Label \"type\" = hit|stale|miss.",
}, []string{"type"})

// NewLRUCache creates a new Cache. A maxSize of 0 means the cache is only
// bounded by the number of distinct keys written to it.
func NewLRUCache(maxSize int) *LRUCache {
	return &LRUCache{
		cache:     make(map[string]*list.Element),
		ll:        list.New(),
		cacheSize: maxSize,
	}
}

// Add stores the item, replacing any previous item with the same key.
// Returns true if the key already existed.
func (c *LRUCache) Add(item CacheItem) bool {
	item.Fresh = false

	// If the key already exist, set the new value
	if ee, ok := c.cache[item.Key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value = item
		return true
	}

	ele := c.ll.PushFront(item)
	c.cache[item.Key] = ele
	if c.cacheSize != 0 && c.ll.Len() > c.cacheSize {
		c.removeOldest()
	}
	atomic.StoreInt64(&c.cacheLen, int64(c.ll.Len()))
	return false
}

// Return unix epoch in milliseconds
func MillisecondNow() int64 {
	return clock.Now().UnixNano() / 1000000
}

// GetItem returns the item stored in the cache. Stale items are returned
// with Fresh set to false.
func (c *LRUCache) GetItem(key string, now int64) (item CacheItem, ok bool) {
	ele, hit := c.cache[key]
	if !hit {
		accessMetric.WithLabelValues("miss").Add(1)
		return
	}

	entry := ele.Value.(CacheItem)
	entry.Fresh = now < entry.ExpireAt
	if entry.Fresh {
		accessMetric.WithLabelValues("hit").Add(1)
	} else {
		accessMetric.WithLabelValues("stale").Add(1)
	}
	c.ll.MoveToFront(ele)
	return entry, true
}

// RemoveOldest removes the oldest item from the cache.
func (c *LRUCache) removeOldest() {
	ele := c.ll.Back()
	if ele != nil {
		c.removeElement(ele)
	}
}

func (c *LRUCache) removeElement(e *list.Element) {
	c.ll.Remove(e)
	kv := e.Value.(CacheItem)
	delete(c.cache, kv.Key)
	atomic.StoreInt64(&c.cacheLen, int64(c.ll.Len()))
}

// Returns the number of items in the cache.
func (c *LRUCache) Size() int64 {
	return atomic.LoadInt64(&c.cacheLen)
}

func (c *LRUCache) Close() error {
	c.cache = nil
	c.ll = nil
	atomic.StoreInt64(&c.cacheLen, 0)
	return nil
}

func NewLRUCacheCollector() *LRUCacheCollector {
	return &LRUCacheCollector{
		caches: []Cache{},
	}
}

// Add a Cache object to be tracked by the collector.
func (collector *LRUCacheCollector) AddCache(cache Cache) {
	collector.caches = append(collector.caches, cache)
}

// Describe fetches prometheus metrics to be registered
func (collector *LRUCacheCollector) Describe(ch chan<- *prometheus.Desc) {
	sizeMetric.Describe(ch)
	accessMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (collector *LRUCacheCollector) Collect(ch chan<- prometheus.Metric) {
	sizeMetric.Set(collector.getSize())
	sizeMetric.Collect(ch)
	accessMetric.Collect(ch)
}

func (collector *LRUCacheCollector) getSize() float64 {
	var size float64

	for _, cache := range collector.caches {
		size += float64(cache.Size())
	}

	return size
}
