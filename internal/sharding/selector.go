// Package sharding routes inserts that carry a sharding key to a shard.
//
// Every shard owns a contiguous range of slots proportional to its weight.
// A key lands on the shard owning slot key % total weight, so the same key
// always reaches the same shard for a fixed set of weights.
package sharding

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ErrNoShards is returned when no shard has a positive weight.
var ErrNoShards = errors.New("sharding: no shard with a positive weight")

// Shard is one routing target. Shards with weight zero receive no keyed
// inserts.
type Shard struct {
	Name   string
	Weight uint32
}

// Selector picks the shard of a sharding key.
type Selector struct {
	names []string
	// bounds[i] is the first slot past shard i's range.
	bounds []uint64
	total  uint64
}

// NewSelector builds a selector over shards in the given order.
func NewSelector(shards []Shard) (*Selector, error) {
	s := &Selector{}
	seen := make(map[string]bool, len(shards))
	for _, sh := range shards {
		if seen[sh.Name] {
			return nil, fmt.Errorf("sharding: duplicate shard %q", sh.Name)
		}
		seen[sh.Name] = true
		if sh.Weight == 0 {
			continue
		}
		s.total += uint64(sh.Weight)
		s.names = append(s.names, sh.Name)
		s.bounds = append(s.bounds, s.total)
	}
	if s.total == 0 {
		return nil, ErrNoShards
	}
	return s, nil
}

// Pick returns the shard owning slot key % total weight.
func (s *Selector) Pick(key uint64) string {
	slot := key % s.total
	i, found := slices.BinarySearch(s.bounds, slot)
	if found {
		i++
	}
	name := s.names[i]
	shardingRoutedTotal.WithLabelValues(name).Inc()
	return name
}

// PickKey routes a textual sharding key. Unsigned integers are used as is,
// anything else is hashed.
func (s *Selector) PickKey(key string) string {
	return s.Pick(KeyValue(key))
}

// KeyValue returns the numeric value of a sharding key.
func KeyValue(key string) uint64 {
	if v, err := strconv.ParseUint(key, 10, 64); err == nil {
		return v
	}
	return xxhash.Sum64String(key)
}
