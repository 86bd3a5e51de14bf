package ops

import (
	"fmt"
	"sync"
)

// Failpoints simulate crashes at phase boundaries. The executor triggers a
// named failpoint between phases; when a test has armed that name, execution
// aborts with a FailpointError, which behaves exactly like a process crash:
// the operation stays queued and is retried from its checkpoint.

// FailpointError is the synthetic abort raised by an armed failpoint.
type FailpointError struct {
	Name string
}

func (e *FailpointError) Error() string {
	return fmt.Sprintf("operation failpoint %q triggered", e.Name)
}

var (
	failpointMu sync.Mutex
	failpoints  map[string]int
)

// EnableFailpoint arms the named failpoint for the next `times` triggers.
// Names are "<method>:<boundary>", e.g. "share_new:after_account".
func EnableFailpoint(name string, times int) {
	failpointMu.Lock()
	defer failpointMu.Unlock()
	if failpoints == nil {
		failpoints = make(map[string]int)
	}
	failpoints[name] = times
}

// ClearFailpoints disarms everything.
func ClearFailpoints() {
	failpointMu.Lock()
	defer failpointMu.Unlock()
	failpoints = nil
}

// TriggerFailpoint returns a FailpointError when the named failpoint is
// armed, decrementing its remaining trigger count. With nothing armed it is
// free.
func TriggerFailpoint(name string) error {
	failpointMu.Lock()
	defer failpointMu.Unlock()
	if failpoints == nil {
		return nil
	}
	remaining, ok := failpoints[name]
	if !ok || remaining <= 0 {
		return nil
	}
	failpoints[name] = remaining - 1
	return &FailpointError{Name: name}
}
