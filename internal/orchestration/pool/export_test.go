package pool

// SweepIdle exposes the idle sweep for deterministic reaper tests.
func (p *Pool) SweepIdle() { p.sweepIdle() }
