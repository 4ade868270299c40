package utils

import (
	"fmt"
	"io"
	"sync"
)

type flusher interface {
	Flush() error
}

// ConsoleWriter serializes writes to an operator-facing stream and flushes buffered
// destinations after every write, so prompts appear before input is read.
type ConsoleWriter struct {
	destination io.Writer
	lock        sync.Mutex
}

// NewConsoleWriter wraps destination. A nil destination discards output and an
// existing ConsoleWriter is returned unchanged.
func NewConsoleWriter(destination io.Writer) *ConsoleWriter {
	if existing, wrapped := destination.(*ConsoleWriter); wrapped {
		return existing
	}
	if destination == nil {
		destination = io.Discard
	}
	return &ConsoleWriter{destination: destination}
}

// Write forwards data to the destination and flushes it when supported.
func (writer *ConsoleWriter) Write(data []byte) (int, error) {
	writer.lock.Lock()
	defer writer.lock.Unlock()
	return writer.writeLocked(data)
}

// Printf formats and writes one message atomically.
func (writer *ConsoleWriter) Printf(format string, arguments ...any) error {
	writer.lock.Lock()
	defer writer.lock.Unlock()
	_, writeError := writer.writeLocked([]byte(fmt.Sprintf(format, arguments...)))
	return writeError
}

func (writer *ConsoleWriter) writeLocked(data []byte) (int, error) {
	written, writeError := writer.destination.Write(data)
	if writeError != nil {
		return written, writeError
	}
	if bufferedDestination, buffered := writer.destination.(flusher); buffered {
		if flushError := bufferedDestination.Flush(); flushError != nil {
			return written, flushError
		}
	}
	return written, nil
}
