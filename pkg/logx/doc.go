// Package logx provides a small structured logging layer over zerolog.
//
// It exists so services can hold a Logger value whose sinks and level
// can be swapped at runtime (config reload) without re-plumbing loggers.
package logx
