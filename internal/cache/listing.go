// Package cache holds short-lived copies of public listing pages.
package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"photoingest/internal/models"
)

// Listing caches public listing pages. Entries expire after the TTL; any write
// that can change what the public sees calls Invalidate.
type Listing struct {
	lru *expirable.LRU[string, models.ImagePage]
	ttl time.Duration
}

func NewListing(size int, ttl time.Duration) *Listing {
	if size < 1 {
		size = 1
	}
	return &Listing{
		lru: expirable.NewLRU[string, models.ImagePage](size, nil, ttl),
		ttl: ttl,
	}
}

// Key identifies a public listing page.
func Key(q models.ListQuery) string {
	return fmt.Sprintf("public|%s|%d|%d", q.Category, q.Page, q.PageSize)
}

func (l *Listing) Get(key string) (models.ImagePage, bool) {
	return l.lru.Get(key)
}

func (l *Listing) Put(key string, page models.ImagePage) {
	l.lru.Add(key, page)
}

func (l *Listing) Invalidate() {
	l.lru.Purge()
}

func (l *Listing) TTL() time.Duration {
	return l.ttl
}

func (l *Listing) Len() int {
	return l.lru.Len()
}
