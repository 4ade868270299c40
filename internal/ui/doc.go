// Package ui provides helpers for formatting human-readable console output.
//
// The helpers translate migration stage events into concise messages so that
// progress stays readable for operators while detailed telemetry continues to
// flow through structured loggers.
package ui
