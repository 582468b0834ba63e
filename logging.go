package hubclient

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var logLevelMatches = map[string]zerolog.Level{
	"NONE":  zerolog.Disabled,
	"TRACE": zerolog.TraceLevel,
	"DEBUG": zerolog.DebugLevel,
	"INFO":  zerolog.InfoLevel,
	"WARN":  zerolog.WarnLevel,
	"ERROR": zerolog.ErrorLevel,
}

// NewLogger builds a logger writing to out at the named level. Terminals get a
// human readable console writer, anything else gets JSON lines.
func NewLogger(out *os.File, level string) zerolog.Logger {
	lvl, ok := logLevelMatches[strings.ToUpper(level)]
	if !ok {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = out
	if isTerminal(out) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) && runtime.GOOS != "windows"
}
