// Package logx is jobloop's structured logging: a value-type Logger over
// zerolog with typed fields, and a Service whose level and sinks follow
// config reloads. Console output is human readable by default, the file sink
// is always JSON.
package logx
