package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"abuse-guard/internal/clock"
)

// MemoryClient is a single-process Client for development and tests. Expiry
// follows the injected clock, so tests can move time deterministically.
// It is not shared between instances and must not back a multi-instance
// deployment.
type MemoryClient struct {
	mu      sync.Mutex
	clock   clock.Clock
	values  map[string][]byte
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time
	closed  bool
	failure error
}

// NewMemoryClient returns an empty MemoryClient driven by clk.
func NewMemoryClient(clk clock.Clock) *MemoryClient {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryClient{
		clock:  clk,
		values: make(map[string][]byte),
		zsets:  make(map[string]map[string]float64),
		expiry: make(map[string]time.Time),
	}
}

// FailWith makes every subsequent call return err until called with nil.
// It simulates a store outage.
func (m *MemoryClient) FailWith(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// check must be called with m.mu held.
func (m *MemoryClient) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.failure
}

// expire drops key if its deadline has passed. Must be called with m.mu held.
func (m *MemoryClient) expire(key string) {
	if exp, ok := m.expiry[key]; ok && !m.clock.Now().Before(exp) {
		delete(m.values, key)
		delete(m.zsets, key)
		delete(m.expiry, key)
	}
}

func (m *MemoryClient) setExpiry(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

// WindowAdd implements Client.
func (m *MemoryClient) WindowAdd(_ context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.expire(key)

	set := m.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	cutoff := float64(Millis(now) - window.Milliseconds())
	for mem, score := range set {
		if score < cutoff {
			delete(set, mem)
		}
	}
	set[member] = float64(Millis(now))
	m.setExpiry(key, window)
	return int64(len(set)), nil
}

// Set implements Client.
func (m *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.values[key] = bytes.Clone(value)
	m.setExpiry(key, ttl)
	return nil
}

// SetNX implements Client.
func (m *MemoryClient) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	m.expire(key)
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = bytes.Clone(value)
	m.setExpiry(key, ttl)
	return true, nil
}

// Get implements Client.
func (m *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	val, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(val), nil
}

// Exists implements Client.
func (m *MemoryClient) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	m.expire(key)
	_, isValue := m.values[key]
	_, isSet := m.zsets[key]
	return isValue || isSet, nil
}

// Delete implements Client.
func (m *MemoryClient) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		m.expire(key)
		_, isValue := m.values[key]
		_, isSet := m.zsets[key]
		if isValue || isSet {
			n++
		}
		delete(m.values, key)
		delete(m.zsets, key)
		delete(m.expiry, key)
	}
	return n, nil
}

// CompareAndSwap implements Client.
func (m *MemoryClient) CompareAndSwap(_ context.Context, key string, expected, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	m.expire(key)
	cur, ok := m.values[key]
	if !ok {
		return false, ErrNotFound
	}
	if !bytes.Equal(cur, expected) {
		return false, nil
	}
	m.values[key] = bytes.Clone(value)
	return true, nil
}

// ZAdd implements Client.
func (m *MemoryClient) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	set := m.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

// ZRevRange implements Client.
func (m *MemoryClient) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)

	type scored struct {
		member string
		score  float64
	}
	set := m.zsets[key]
	all := make([]scored, 0, len(set))
	for mem, score := range set {
		all = append(all, scored{mem, score})
	}
	// Redis orders equal scores lexicographically; reversed for ZREVRANGE.
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].member > all[j].member
	})

	n := int64(len(all))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, 0, stop-start+1)
	for _, s := range all[start : stop+1] {
		out = append(out, s.member)
	}
	return out, nil
}

// ZRem implements Client.
func (m *MemoryClient) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, mem := range members {
		delete(m.zsets[key], mem)
	}
	m.dropEmpty(key)
	return nil
}

// ZRemRangeByScore implements Client.
func (m *MemoryClient) ZRemRangeByScore(_ context.Context, key string, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.expire(key)
	var n int64
	for mem, score := range m.zsets[key] {
		if score < max {
			delete(m.zsets[key], mem)
			n++
		}
	}
	m.dropEmpty(key)
	return n, nil
}

// dropEmpty removes an empty sorted set, as Redis does.
func (m *MemoryClient) dropEmpty(key string) {
	if set, ok := m.zsets[key]; ok && len(set) == 0 {
		delete(m.zsets, key)
		delete(m.expiry, key)
	}
}

// Ping implements Client.
func (m *MemoryClient) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Close implements Client.
func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
