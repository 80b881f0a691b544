// Package routecache mirrors kernel route entries, keyed by destination
// prefix and outbound interface.
package routecache

// DefaultBuckets is the bucket count used when none is configured.
const DefaultBuckets = 128

// Entry is one mirrored route.
type Entry struct {
	Destination string
	IfIndex     int
	Gateway     string
	Metric      int
}

// Key uniquely identifies an entry within the cache.
type Key struct {
	Destination string
	IfIndex     int
}

// Key returns the cache key for the entry.
func (e Entry) Key() Key {
	return Key{Destination: e.Destination, IfIndex: e.IfIndex}
}

// Cache is a fixed-size chained hash table of route entries. At most one
// entry exists per key at any instant; a later insert with the same key
// replaces the stored value. The cache performs no locking and must only
// be touched by the goroutine that owns it.
type Cache struct {
	buckets [][]Entry
	count   int
}

// New creates a cache with the given bucket count. Non-positive counts fall
// back to DefaultBuckets. The bucket count is fixed for the lifetime of the
// cache; heavy collisions degrade lookups to a scan, never correctness.
func New(bucketCount int) *Cache {
	if bucketCount <= 0 {
		bucketCount = DefaultBuckets
	}

	return &Cache{buckets: make([][]Entry, bucketCount)}
}

// bucketIndex computes the bucket for a key: a polynomial rolling hash over
// the destination with multiplier 31, plus the interface index, reduced
// modulo the bucket count. A negative interface index wraps like unsigned
// arithmetic.
func (c *Cache) bucketIndex(destination string, ifIndex int) int {
	var hash uint32
	for i := 0; i < len(destination); i++ {
		hash = hash*31 + uint32(destination[i])
	}
	hash += uint32(ifIndex)

	return int(hash % uint32(len(c.buckets)))
}

// Insert stores the entry, replacing any existing entry with the same key.
func (c *Cache) Insert(entry Entry) {
	index := c.bucketIndex(entry.Destination, entry.IfIndex)
	bucket := c.buckets[index]

	for i := range bucket {
		if bucket[i].Destination == entry.Destination && bucket[i].IfIndex == entry.IfIndex {
			bucket[i] = entry
			return
		}
	}

	c.buckets[index] = append(bucket, entry)
	c.count++
}

// Remove deletes the entry with the exact key. Removing an absent key is a
// no-op.
func (c *Cache) Remove(destination string, ifIndex int) {
	index := c.bucketIndex(destination, ifIndex)
	bucket := c.buckets[index]

	for i := range bucket {
		if bucket[i].Destination == destination && bucket[i].IfIndex == ifIndex {
			c.buckets[index] = append(bucket[:i], bucket[i+1:]...)
			c.count--
			return
		}
	}
}

// Lookup returns the entry stored under the key, if any.
func (c *Cache) Lookup(destination string, ifIndex int) (Entry, bool) {
	bucket := c.buckets[c.bucketIndex(destination, ifIndex)]

	for i := range bucket {
		if bucket[i].Destination == destination && bucket[i].IfIndex == ifIndex {
			return bucket[i], true
		}
	}

	return Entry{}, false
}

// VisitByInterface calls visit once for every stored entry whose interface
// index matches, in unspecified order. visit must not mutate the cache.
func (c *Cache) VisitByInterface(ifIndex int, visit func(Entry)) {
	for _, bucket := range c.buckets {
		for i := range bucket {
			if bucket[i].IfIndex == ifIndex {
				visit(bucket[i])
			}
		}
	}
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	return c.count
}

// BucketCount returns the fixed number of buckets.
func (c *Cache) BucketCount() int {
	return len(c.buckets)
}
