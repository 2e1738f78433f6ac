package logger

import (
	"fmt"
	"strings"
)

// Level gates which of the agent's own log calls reach the configured
// Printer. cmd/agent's --log-level/LOG_LEVEL flag resolves one of these
// via LevelFromString; FATAL is the quietest setting and, in practice, is
// only ever reached by ConsoleLogger.Fatal itself (the CLI's own startup
// errors are returned to main and printed without going through the
// agent's configured level at all).
type Level int

const (
	DEBUG Level = iota
	NOTICE
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = []string{
	"DEBUG",
	"NOTICE",
	"INFO",
	"WARN",
	"ERROR",
	"FATAL",
}

func LevelFromString(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "notice":
		return NOTICE, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return -1, fmt.Errorf("invalid log level: %s. Valid levels are: %v", s, levelNames)
	}
}

// String returns the string representation of a logging level.
func (p Level) String() string {
	return levelNames[p]
}
