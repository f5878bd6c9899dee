package server

import (
	"github.com/go-kit/kit/log"
)

// CheckWarn logs e, if non-nil, as a warning and reports whether it did so.
// Mirrors the goshawkdb CheckWarn idiom: non-fatal errors are logged and
// swallowed at the call site rather than propagated.
func CheckWarn(e error, logger log.Logger) bool {
	if e != nil {
		logger.Log("msg", "warning", "error", e)
		return true
	}
	return false
}

// DebugLogFunc is a swappable hook for verbose, opt-in tracing. The
// package-level default is a no-op; cmd/legislator rewires it to an
// actual logger when -debug is passed.
type DebugLogFunc func(log.Logger, ...interface{})

var DebugLog = DebugLogFunc(func(log.Logger, ...interface{}) {})
