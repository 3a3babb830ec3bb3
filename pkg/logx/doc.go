// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger value and use With() to pin fixed fields
// (typically comp=...). Loggers created from a Service stay live across
// Service.Apply() calls, so log level and sinks can change at runtime
// without components having to re-acquire their logger.
package logx
