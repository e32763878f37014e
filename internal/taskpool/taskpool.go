// Package taskpool spawns long-running tasks with a shared
// panic-recovery wrapper, so one task's panic never takes the process
// down. The core uses it for the endpoint accept loop, the per-endpoint
// handshake tasks, the mDNS browse loop and the BLE beacon scan loop;
// per-stream routing and transfer pipelines run on plain goroutines.
package taskpool

import (
	"fmt"
	"runtime/debug"

	"github.com/op/go-logging"
)

// Go runs f on its own goroutine, recovering and logging any panic
// instead of letting it crash the process, mirroring the corpus's own
// RecoverToLog convention.
func Go(log *logging.Logger, name string, f func()) {
	go func() {
		defer func() {
			if x := recover(); x != nil {
				if log != nil {
					log.Error(fmt.Sprintf("run time panic in %s: %v", name, x))
					log.Error(string(debug.Stack()))
				}
			}
		}()
		f()
	}()
}

// Loop runs f repeatedly, recovering a panic on each iteration rather
// than letting it kill the whole loop, until f returns false or stop
// is closed.
func Loop(log *logging.Logger, name string, stop <-chan struct{}, f func() bool) {
	Go(log, name, func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cont := callRecovering(log, name, f)
			if !cont {
				return
			}
		}
	})
}

func callRecovering(log *logging.Logger, name string, f func() bool) (cont bool) {
	defer func() {
		if x := recover(); x != nil {
			if log != nil {
				log.Error(fmt.Sprintf("run time panic in %s: %v", name, x))
				log.Error(string(debug.Stack()))
			}
			cont = true
		}
	}()
	return f()
}
