package handlers

// EvictIdle runs one eviction sweep.
func (m Main) EvictIdle() int {
	return m.evictIdle()
}
