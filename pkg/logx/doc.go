// Package logx is a small structured-logging layer over zerolog.
//
// Components take a logx.Logger by value; the zero value is a safe no-op.
// The Service owns the sinks (console, file) and supports live re-apply so
// log level and outputs can change on config reload without re-plumbing
// loggers through the whole app.
package logx
