package core

import (
	"container/list"
	"fmt"
)

// DBIdempotencyChecker is the cold-tier dedup lookup, backed by Postgres.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates events in two tiers: a bounded in-memory
// LRU for the hot path and a database lookup for keys that aged out of it.
// Not thread-safe — only accessed from the single-threaded core.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker

	dupsLRU     map[string]int64 // event_type -> count
	dupsDB      map[string]int64
	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		dupsLRU:   make(map[string]int64),
		dupsDB:    make(map[string]int64),
	}
}

// IsDuplicate checks whether the event was already processed.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.contains(key) {
		ic.dupsLRU[eventType]++
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// A flaky database must not stall event processing; assume new
			// and rely on the persistence layer's unique constraint.
			ic.tier2Errors++
			return false
		}
		if isDup {
			ic.dupsDB[eventType]++
			ic.lru.add(key)
			return true
		}
	}

	return false
}

// IsDuplicateLRU checks only the in-memory tier. Used during log replay,
// where every event exists in the database by definition.
func (ic *IdempotencyChecker) IsDuplicateLRU(eventType, idempotencyKey string) bool {
	if ic.lru.contains(compositeKey(eventType, idempotencyKey)) {
		ic.dupsLRU[eventType]++
		return true
	}
	return false
}

// MarkProcessed records the key after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.add(compositeKey(eventType, idempotencyKey))
}

// WarmFromKeys preloads composite keys on restart so recently processed
// events skip the cold-tier lookup.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Keys returns every cached composite key (snapshot support).
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keysOldestFirst()
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.order.Len()
}

// DuplicateCounts returns per-tier duplicate totals for an event type.
func (ic *IdempotencyChecker) DuplicateCounts(eventType string) (lru, db int64) {
	return ic.dupsLRU[eventType], ic.dupsDB[eventType]
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// --- LRU ---

type idempotencyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front = most recently used
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, ok := lru.index[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *idempotencyLRU) add(key string) {
	if elem, ok := lru.index[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.index[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.index, oldest.Value.(string))
	}
}

func (lru *idempotencyLRU) keysOldestFirst() []string {
	keys := make([]string, 0, lru.order.Len())
	for elem := lru.order.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}
