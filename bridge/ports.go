package bridge

import (
	"fmt"
	"log/slog"
)

// portAllocator tracks which of the controller's fixed ports are taken.
// Pure in-memory state; callers serialize through the Manager's lock.
// Freed ports return to the pool, so long-running use cannot exhaust the
// port space through attach/detach churn.
type portAllocator struct {
	used   []bool
	logger *slog.Logger
}

func newPortAllocator(n int, logger *slog.Logger) *portAllocator {
	return &portAllocator{
		used:   make([]bool, n),
		logger: logger,
	}
}

// reserve takes the lowest free port. Deterministic so logs and tests can
// correlate ports across runs.
func (a *portAllocator) reserve() (uint32, error) {
	for i, used := range a.used {
		if !used {
			a.used[i] = true
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w (all %d in use)", ErrExhausted, len(a.used))
}

// release frees a reserved port. Releasing an already-free port means the
// attach/detach lifecycle was violated somewhere; it is logged and ignored
// rather than corrupting the pool.
func (a *portAllocator) release(port uint32) {
	if int(port) >= len(a.used) {
		a.logger.Error("release of out-of-range port", "port", port)
		return
	}
	if !a.used[port] {
		a.logger.Error("double release of virtual port", "port", port)
		return
	}
	a.used[port] = false
}

// inUse counts reserved ports.
func (a *portAllocator) inUse() int {
	n := 0
	for _, used := range a.used {
		if used {
			n++
		}
	}
	return n
}
