package rudp

import (
	"fmt"

	"github.com/pterm/pterm"
)

// ptermLogger adapts pterm's leveled printers to the Logger interface,
// grounded on the retrieval pack's own pterm-backed leveled logger
// (util.LogDebug/LogWarning/LogError et al.). IO-level packet tracing is
// routed through pterm's debug printer rather than a dedicated level,
// since pterm itself only distinguishes Debug/Info/Warn/Error/Fatal.
type ptermLogger struct {
	printer *pterm.Logger
}

// NewPtermLogger returns a Logger backed by pterm.DefaultLogger,
// suitable for CLI applications that want colorized, leveled protocol
// diagnostics out of the box.
func NewPtermLogger() Logger {
	l := pterm.DefaultLogger
	l.ShowTime = true
	return &ptermLogger{printer: &l}
}

func (pl *ptermLogger) Logf(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case LevelIO, LevelDebug:
		pl.printer.Debug(msg)
	case LevelInfo:
		pl.printer.Info(msg)
	case LevelWarn:
		pl.printer.Warn(msg)
	case LevelError:
		pl.printer.Error(msg)
	default:
		pl.printer.Info(msg)
	}
}
