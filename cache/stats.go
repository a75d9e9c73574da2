package cache

import "sync"

// Stats 缓存统计
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	Purges    int64   `json:"purges"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hitRate"`
}

// monitor 缓存监控
type monitor struct {
	stats Stats
	mu    sync.RWMutex
}

func (m *monitor) recordHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Hits++
}

func (m *monitor) recordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Misses++
}

func (m *monitor) recordSet() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Sets++
}

func (m *monitor) recordEvict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Evictions++
}

func (m *monitor) recordPurge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Purges++
}

// snapshot 获取统计, HitRate 为百分比
func (m *monitor) snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.stats
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

func (m *monitor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}
