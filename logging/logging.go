package logging

import "log"

const (
	// TraceLevel indicates a log message's level of criticality
	TraceLevel = iota
	// DebugLevel indicates a log message's level of criticality
	DebugLevel
	// InfoLevel indicates a log message's level of criticality
	InfoLevel
	// WarnLevel indicates a log message's level of criticality
	WarnLevel
	// ErrorLevel indicates a log message's level of criticality
	ErrorLevel
	// FatalLevel indicates a log message's level of criticality
	FatalLevel
)

// LogLevelToString translates a log level enum to a string representation
func LogLevelToString(level int) string {
	switch level {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "TRACE"
	}
}

// Logger filters messages below a minimum level and prefixes the rest with
// a component name. The zero value logs everything with no prefix.
type Logger struct {
	Prefix   string
	MinLevel int
}

// New produces a Logger for the named component
func New(prefix string, minLevel int) *Logger {
	return &Logger{Prefix: prefix, MinLevel: minLevel}
}

// Logf logs a message at the given level
func (l *Logger) Logf(level int, format string, args ...interface{}) {
	if level < l.MinLevel {
		return
	}
	prefixed := "[" + LogLevelToString(level) + "]"
	if len(l.Prefix) > 0 {
		prefixed += " " + l.Prefix + ":"
	}
	log.Printf(prefixed+" "+format, args...)
}

// Tracef logs a message at TraceLevel
func (l *Logger) Tracef(format string, args ...interface{}) {
	l.Logf(TraceLevel, format, args...)
}

// Debugf logs a message at DebugLevel
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logf(DebugLevel, format, args...)
}

// Infof logs a message at InfoLevel
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logf(InfoLevel, format, args...)
}

// Warnf logs a message at WarnLevel
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logf(WarnLevel, format, args...)
}

// Errorf logs a message at ErrorLevel
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logf(ErrorLevel, format, args...)
}
