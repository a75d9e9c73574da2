package pool

// DriverStats reports one driver's connections.
type DriverStats struct {
	Open    int `json:"open"`
	Idle    int `json:"idle"`
	InUse   int `json:"inUse"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Open      int                    `json:"open"`
	MaxTotal  int                    `json:"maxTotal"`
	Drivers   map[string]DriverStats `json:"drivers"`
	Acquired  int64                  `json:"acquired"`
	Timeouts  int64                  `json:"timeouts"`
	Evictions int64                  `json:"evictions"`
	Handoffs  int64                  `json:"handoffs"`
	Closed    bool                   `json:"closed"`
}

// Stats returns current counts. Open includes connections being opened.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Open:      p.total,
		MaxTotal:  p.config.MaxTotal,
		Drivers:   make(map[string]DriverStats, len(p.order)),
		Acquired:  p.acquired,
		Timeouts:  p.timeouts,
		Evictions: p.evictions,
		Handoffs:  p.handoffs,
		Closed:    p.closed,
	}
	inUse := make(map[*driverEntry]int, len(p.order))
	for _, c := range p.inUse {
		inUse[c.entry]++
	}
	for _, entry := range p.order {
		s.Drivers[entry.id] = DriverStats{
			Open:    entry.live,
			Idle:    len(entry.idle),
			InUse:   inUse[entry],
			Waiting: entry.waiters.Len(),
			Max:     entry.max,
		}
	}
	return s
}

// Drivers returns registered driver ids in registration order.
func (p *Pool) Drivers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	for i, entry := range p.order {
		out[i] = entry.id
	}
	return out
}
