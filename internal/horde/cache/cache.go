package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/repository"
)

const (
	queueKeyPattern    = "%s_wp_cache"
	validityKeyPattern = "wp_validity_%s"
	modelsKeyPattern   = "%s_models"
	totalsKeyPattern   = "%s_totals"

	queueTTL    = 5 * time.Minute
	validityTTL = time.Minute
	modelsTTL   = 5 * time.Minute
	totalsTTL   = 5 * time.Minute

	localTTL     = 2 * time.Second
	localCleanup = time.Minute
)

// PriorityCache holds denormalized queue snapshots in redis so that pops never
// run the priority ordering query themselves. Snapshots are advisory; every
// claim re-checks the authoritative row. A small in-process layer absorbs the
// burst of identical reads between refreshes.
type PriorityCache struct {
	client redis.UniversalClient
	local  *gocache.Cache
}

func NewPriorityCache(client redis.UniversalClient) *PriorityCache {
	return &PriorityCache{
		client: client,
		local:  gocache.New(localTTL, localCleanup),
	}
}

func queueKey(kind api.RequestKind) string {
	return fmt.Sprintf(queueKeyPattern, kind)
}

// StoreQueue replaces the cached snapshot for one request kind. Entries must
// already be in priority order.
func (c *PriorityCache) StoreQueue(kind api.RequestKind, entries []*repository.QueueEntry) error {
	if entries == nil {
		entries = []*repository.QueueEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.WithStack(err)
	}
	key := queueKey(kind)
	if err := c.client.Set(key, data, queueTTL).Err(); err != nil {
		return errors.WithStack(err)
	}
	c.local.Delete(key)
	return nil
}

// Queue returns the full cached snapshot, oldest priority order preserved.
// A missing snapshot is an empty queue, not an error.
func (c *PriorityCache) Queue(kind api.RequestKind) ([]*repository.QueueEntry, error) {
	key := queueKey(kind)
	if cached, ok := c.local.Get(key); ok {
		return cached.([]*repository.QueueEntry), nil
	}

	data, err := c.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}

	var entries []*repository.QueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.WithStack(err)
	}
	c.local.SetDefault(key, entries)
	return entries, nil
}

// Page returns one page of the snapshot. Pages past the end are empty.
func (c *PriorityCache) Page(kind api.RequestKind, page, size int) ([]*repository.QueueEntry, error) {
	entries, err := c.Queue(kind)
	if err != nil {
		return nil, err
	}
	start := page * size
	if start >= len(entries) {
		return nil, nil
	}
	end := start + size
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end], nil
}

// Rank returns the zero-based position of the request in the snapshot, or
// false when the request is not queued.
func (c *PriorityCache) Rank(kind api.RequestKind, id string) (int, bool, error) {
	entries, err := c.Queue(kind)
	if err != nil {
		return 0, false, err
	}
	for i, entry := range entries {
		if entry.Id.String() == id {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// SetValidity caches whether any active worker could serve the request.
func (c *PriorityCache) SetValidity(id string, possible bool) error {
	err := c.client.Set(fmt.Sprintf(validityKeyPattern, id), possible, validityTTL).Err()
	return errors.WithStack(err)
}

// Validity returns the cached possibility verdict; known is false when no
// verdict has been computed within the TTL.
func (c *PriorityCache) Validity(id string) (possible bool, known bool, err error) {
	value, err := c.client.Get(fmt.Sprintf(validityKeyPattern, id)).Result()
	if err == redis.Nil {
		return false, false, nil
	} else if err != nil {
		return false, false, errors.WithStack(err)
	}
	return value == "1" || value == "true", true, nil
}

// StoreModels caches the aggregated model availability report for one kind.
func (c *PriorityCache) StoreModels(kind api.RequestKind, models map[string]int32) error {
	data, err := json.Marshal(models)
	if err != nil {
		return errors.WithStack(err)
	}
	err = c.client.Set(fmt.Sprintf(modelsKeyPattern, kind), data, modelsTTL).Err()
	return errors.WithStack(err)
}

// Models returns the cached model availability report, nil when absent.
func (c *PriorityCache) Models(kind api.RequestKind) (map[string]int32, error) {
	data, err := c.client.Get(fmt.Sprintf(modelsKeyPattern, kind)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	var models map[string]int32
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, errors.WithStack(err)
	}
	return models, nil
}

// QueueTotals is the cached queue depth used by status estimates.
type QueueTotals struct {
	Requests int64   `json:"requests"`
	Things   float64 `json:"things"`
}

func (c *PriorityCache) StoreTotals(kind api.RequestKind, totals QueueTotals) error {
	data, err := json.Marshal(totals)
	if err != nil {
		return errors.WithStack(err)
	}
	err = c.client.Set(fmt.Sprintf(totalsKeyPattern, kind), data, totalsTTL).Err()
	return errors.WithStack(err)
}

func (c *PriorityCache) Totals(kind api.RequestKind) (QueueTotals, error) {
	var totals QueueTotals
	data, err := c.client.Get(fmt.Sprintf(totalsKeyPattern, kind)).Bytes()
	if err == redis.Nil {
		return totals, nil
	} else if err != nil {
		return totals, errors.WithStack(err)
	}
	if err := json.Unmarshal(data, &totals); err != nil {
		return totals, errors.WithStack(err)
	}
	return totals, nil
}
