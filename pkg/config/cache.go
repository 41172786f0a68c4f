// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package config

import (
	"container/list"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheTTL     = time.Hour
	DefaultCacheMaxOrgs = 100
)

type cacheEntry struct {
	orgID    string
	cfg      *OrgConfig
	loadedAt time.Time
}

// Cache is a TTL + LRU cache in front of a Loader. A stale or missing
// entry triggers a synchronous load; concurrent callers for the same org
// may load redundantly, which is harmless because configs are immutable
// once returned.
type Cache struct {
	loader Loader
	ttl    time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

// NewCache wraps loader with TTL expiry and LRU eviction. ttl <= 0 and
// max <= 0 fall back to package defaults.
func NewCache(loader Loader, ttl time.Duration, max int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if max <= 0 {
		max = DefaultCacheMaxOrgs
	}
	return &Cache{
		loader:  loader,
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the org's config, loading it on miss or expiry.
func (c *Cache) Get(orgID string) (*OrgConfig, error) {
	c.mu.Lock()
	if el, ok := c.entries[orgID]; ok {
		entry := el.Value.(*cacheEntry)
		if c.now().Sub(entry.loadedAt) < c.ttl {
			c.order.MoveToFront(el)
			cfg := entry.cfg
			c.mu.Unlock()
			return cfg, nil
		}
		c.order.Remove(el)
		delete(c.entries, orgID)
	}
	c.mu.Unlock()

	cfg, err := c.loader.Load(orgID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[orgID]; ok {
		// Another caller loaded meanwhile; keep the fresher entry.
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).cfg = cfg
		el.Value.(*cacheEntry).loadedAt = c.now()
		return cfg, nil
	}
	el := c.order.PushFront(&cacheEntry{orgID: orgID, cfg: cfg, loadedAt: c.now()})
	c.entries[orgID] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).orgID)
	}
	return cfg, nil
}

// Invalidate drops the org's cached entry so the next Get reloads it.
// Called after config writes so updates take effect immediately.
func (c *Cache) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[orgID]; ok {
		c.order.Remove(el)
		delete(c.entries, orgID)
	}
}

// Len reports the number of cached orgs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
