// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels. Request-scoped loggers carrying a trace_id travel in the
// request context via WithLogger and FromContext.
package logger
