package queue

import "time"

// circuitState tracks consecutive failures of one action name.
//   - success closes the circuit and resets the count
//   - once failures reach the trip threshold the circuit opens for a
//     cooldown that doubles with every further failure
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuitStore is guarded by the queue mutex.
type circuitStore struct {
	m map[string]*circuitState
}

func (s *circuitStore) get(name string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[name]
	if st == nil {
		st = &circuitState{}
		s.m[name] = st
	}
	return st
}

// decay forgets failures older than the reset window.
func (st *circuitState) decay(now time.Time, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, name string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures <= 0 || name == "" {
		return false, time.Time{}
	}
	st := s.m[name]
	if st == nil {
		return false, time.Time{}
	}
	st.decay(now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, name string, cfg Config, err error) {
	if cfg.CircuitTripFailures <= 0 || name == "" {
		return
	}
	st := s.get(name)
	st.decay(now, cfg)
	if err == nil {
		*st = circuitState{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			break
		}
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *circuitStore) snapshot(now time.Time, cfg Config) (total, open int) {
	if cfg.CircuitTripFailures <= 0 {
		return 0, 0
	}
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
