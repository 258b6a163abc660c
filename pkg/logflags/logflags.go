// Package logflags maps command line logging flags to the per-subsystem
// loggers used by the DWARF reader.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	dwarfInfo       = false
	debugLineErrors = false
	frames          = false
	expressions     = false
	symbols         = false
	unwinding       = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// DwarfInfo returns true if the .debug_info parser should log.
func DwarfInfo() bool {
	return dwarfInfo
}

// DwarfInfoLogger returns a logger for the .debug_info parser.
func DwarfInfoLogger() *logrus.Entry {
	return makeLogger(dwarfInfo, logrus.Fields{"layer": "dwarf", "kind": "info"})
}

// DebugLineErrors returns true if the line table parser should log its
// recoverable errors.
func DebugLineErrors() bool {
	return debugLineErrors
}

// DebugLineLogger returns a logger for the line table parser.
func DebugLineLogger() *logrus.Entry {
	return makeLogger(debugLineErrors, logrus.Fields{"layer": "dwarf", "kind": "line"})
}

// Frames returns true if call frame information processing should be logged.
func Frames() bool {
	return frames
}

// FramesLogger returns a logger for call frame information processing.
func FramesLogger() *logrus.Entry {
	return makeLogger(frames, logrus.Fields{"layer": "dwarf", "kind": "frame"})
}

// Expressions returns true if the location expression evaluator should log.
func Expressions() bool {
	return expressions
}

// ExpressionsLogger returns a logger for the location expression evaluator.
func ExpressionsLogger() *logrus.Entry {
	return makeLogger(expressions, logrus.Fields{"layer": "dwarf", "kind": "op"})
}

// Symbols returns true if the symbol model builder should log.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbol model builder.
func SymbolsLogger() *logrus.Entry {
	return makeLogger(symbols, logrus.Fields{"layer": "symbols"})
}

// Unwinding returns true if stack unwinding should be logged.
func Unwinding() bool {
	return unwinding
}

// UnwindingLogger returns a logger for stack unwinding.
func UnwindingLogger() *logrus.Entry {
	return makeLogger(unwinding, logrus.Fields{"layer": "dwarf", "kind": "unwind"})
}

var errLogstrWithoutLog = errors.New("log output specified without logging enabled")

// Setup sets logging flags based on the contents of logstr, a comma
// separated list of subsystem names. An empty logstr with logFlag set
// enables the symbols logger only.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "symbols"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "info":
			dwarfInfo = true
		case "line":
			debugLineErrors = true
		case "frame":
			frames = true
		case "op":
			expressions = true
		case "symbols":
			symbols = true
		case "unwind":
			unwinding = true
		case "all":
			dwarfInfo = true
			debugLineErrors = true
			frames = true
			expressions = true
			symbols = true
			unwinding = true
		}
	}
	return nil
}
