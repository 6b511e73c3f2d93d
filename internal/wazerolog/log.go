// Package wazerolog centralizes this engine's structured logging on
// go.uber.org/zap, the logging library the retrieval pack's moby-moby
// brings in, rather than the teacher's own nearly-logging-free runtime
// (wazero intentionally stays silent on the hot path; a contract-execution
// host, by contrast, wants compile/link/trap events on an operator's log
// pipeline).
//
// Every exported function here is safe to call before Configure: the
// package starts with a no-op logger so a library consumer that never opts
// into logging pays nothing beyond the interface dispatch.
package wazerolog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(zap.NewNop())
}

// Configure replaces the package-wide logger, typically with
// zap.NewProduction() or zap.NewDevelopment() at process startup.
func Configure(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// L returns the current logger, named scope (e.g. "engine", "artifact").
func L(scope string) *zap.Logger {
	return current.Load().Named(scope)
}
