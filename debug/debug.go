// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — Cold-path kernel logging
//
// Purpose:
//   - Logs infrequent events (initialization, configuration, fatal errors).
//   - Hands out named subsystem loggers backed by commonlog.
//
// Notes:
//   - Hot paths (block/unblock, tick, dispatch) never log; they record events
//     into the per-processor recorder rings instead.
//   - Logger names follow "rtcore.<subsystem>" so verbosity can be tuned per subsystem.
//
// ⚠️ Never invoke in the block/unblock fast path. Diagnostics only.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// root is the prefix for every logger handed out by this package.
const root = "rtcore"

// Configure selects the verbosity of the simple backend and an optional log file.
// Verbosity 0 keeps notices and above, each increment adds one level.
func Configure(verbosity int, path string) {
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return
	}
	commonlog.Configure(verbosity, &path)
}

// Logger returns the logger for a kernel subsystem, e.g. Logger("objects").
func Logger(subsystem string) commonlog.Logger {
	if subsystem == "" {
		return commonlog.GetLogger(root)
	}
	return commonlog.GetLogger(root + "." + subsystem)
}

// DropError logs a failed cold-path operation under the given prefix.
// A nil error logs the prefix alone, which is used as a cheap trace tag.
//
//go:noinline
func DropError(prefix string, err error) {
	log := Logger("")
	if err != nil {
		log.Error(prefix + ": " + err.Error())
		return
	}
	log.Notice(prefix)
}

// DropMessage logs an informational cold-path event.
//
//go:noinline
func DropMessage(prefix, message string) {
	Logger("").Info(prefix + ": " + message)
}
