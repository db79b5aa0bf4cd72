package ports

import (
	"fmt"
	"net"
)

// osBindProbe checks OS-level port liveness by attempting a non-blocking
// bind on loopback, grounded in the retrieval pack's portFree pattern
// (other_examples portpool.go): open-then-immediately-close a TCP listener
// on 127.0.0.1. Success means the port is free at the OS level right now.
//
// This call can block briefly on a slow bind syscall. Allocate, Check and
// GCOrphans perform it outside the registry's lock; suggestLocked, which
// builds suggestion lists, probes every candidate while holding the lock.
func osBindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
