// Package logx is cronix's structured logger: a thin layer over zerolog
// whose sinks and level can be swapped at runtime by Service.Apply.
//
// Console output is human-readable by default, the file sink is JSON, and
// an optional alert sink forwards warn+ lines to the notifier.
package logx
