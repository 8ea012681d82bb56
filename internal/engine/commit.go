package engine

// commit validates the attempt and publishes its writes. A failed
// validation unwinds with a conflict signal after every lock taken here has
// been released.
func (tx *Tx) commit() {
	e := tx.run.eng
	tx.status.Store(int32(StatusValidating))

	writes := tx.scopes[0].writes
	if len(writes) == 0 {
		tx.mustValidate()
		e.stats.readCommits.Add(1)
		return
	}

	if !tx.exclusive && !tx.shared {
		e.gate.RLock()
		defer e.gate.RUnlock()
	}

	cores := sortedCores(writes)
	locked := make([]*varCore, 0, len(cores))
	release := func() {
		for _, c := range locked {
			c.owner.Store(nil)
			c.mu.Unlock()
		}
	}

	for _, c := range cores {
		if tx.held[c] {
			continue
		}
		if tx.held != nil {
			// A variables-scoped run already holds locks out of order.
			if !c.mu.TryLock() {
				release()
				tx.conflict(c, true)
			}
		} else {
			c.mu.Lock()
		}
		c.owner.Store(tx)
		locked = append(locked, c)
	}

	if c, owned := tx.validate(); c != nil {
		release()
		tx.conflict(c, owned)
	}

	stamp := e.clock.Next()
	for _, c := range cores {
		prev := c.state.Load()
		c.state.Store(&varState{
			version: prev.version + 1,
			stamp:   stamp,
			value:   writes[c],
		})
	}
	release()
	e.stats.writeCommits.Add(1)

	for _, c := range cores {
		c.notify()
	}
}
