package hiid

import "sort"

type mapEntry[V any] struct {
	id    HIID
	value V
}

// Map keyed by id hash, collisions resolved by equality
type Map[V any] struct {
	buckets map[uint64][]mapEntry[V]
	count   int
}

func NewMap[V any]() (m *Map[V]) {
	m = &Map[V]{buckets: make(map[uint64][]mapEntry[V])}
	return
}

// Stores value under id. Returns false when id was already present (its value is replaced).
func (m *Map[V]) Put(id HIID, value V) (added bool) {
	key := id.Hash()
	bucket := m.buckets[key]
	for i := range bucket {
		if bucket[i].id.Equal(id) {
			bucket[i].value = value
			return
		}
	}
	m.buckets[key] = append(bucket, mapEntry[V]{id: id, value: value})
	m.count++
	added = true
	return
}

func (m *Map[V]) Get(id HIID) (value V, ok bool) {
	for _, entry := range m.buckets[id.Hash()] {
		if entry.id.Equal(id) {
			value, ok = entry.value, true
			return
		}
	}
	return
}

// Removes id; returns false if absent
func (m *Map[V]) Delete(id HIID) (removed bool) {
	key := id.Hash()
	bucket := m.buckets[key]
	for i, entry := range bucket {
		if !entry.id.Equal(id) {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(m.buckets, key)
		} else {
			m.buckets[key] = bucket
		}
		m.count--
		removed = true
		return
	}
	return
}

func (m *Map[V]) Len() int {
	return m.count
}

// Visits entries in no particular order until fn returns false
func (m *Map[V]) Each(fn func(id HIID, value V) bool) {
	for _, bucket := range m.buckets {
		for _, entry := range bucket {
			if !fn(entry.id, entry.value) {
				return
			}
		}
	}
}

// True if any key matches id (wildcards on either side)
func (m *Map[V]) AnyMatch(id HIID) (found bool) {
	m.Each(func(key HIID, _ V) bool {
		found = id.Matches(key)
		return !found
	})
	return
}

// Keys in total order
func (m *Map[V]) Keys() (ids []HIID) {
	ids = make([]HIID, 0, m.count)
	for _, bucket := range m.buckets {
		for _, entry := range bucket {
			ids = append(ids, entry.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return
}
