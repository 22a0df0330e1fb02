package queue

// Logger defines a simple logging interface to avoid coupling the client to a
// specific logging framework.
type Logger interface {
	Debug() LogEvent
	Info() LogEvent
	Warn() LogEvent
	Error() LogEvent
}

// LogEvent defines a simple log event interface.
type LogEvent interface {
	Msg(string)
	Err(error) LogEvent
	Str(string, string) LogEvent
	Int(string, int) LogEvent
}

type nopLogger struct{}

func (nopLogger) Debug() LogEvent { return nopLogEvent{} }
func (nopLogger) Info() LogEvent  { return nopLogEvent{} }
func (nopLogger) Warn() LogEvent  { return nopLogEvent{} }
func (nopLogger) Error() LogEvent { return nopLogEvent{} }

type nopLogEvent struct{}

func (nopLogEvent) Msg(string)                  {}
func (e nopLogEvent) Err(error) LogEvent        { return e }
func (e nopLogEvent) Str(string, string) LogEvent { return e }
func (e nopLogEvent) Int(string, int) LogEvent  { return e }
