// Package logger is the logging seam shared by the gate, the processor and
// the HTTP server. Fields are flat key/value maps so callers never import a
// concrete logging library.
package logger

// Logger receives structured events. Payment paths log the payer, the
// signature and the rejection reason under those field names.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything. Components default to it.
type NoopLogger struct{}

var (
	_ Logger = NoopLogger{}
	_ Logger = (*ZapLogger)(nil)
)

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
