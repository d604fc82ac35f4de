package alert

import (
	"encoding/json"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"bastion/guard/events"
)

// EventLog appends security events as JSON lines to a rotating file. It
// implements events.Handler.
type EventLog struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	enc    *json.Encoder
}

// NewEventLog opens (lazily) a rotating JSON log at path. Rotated files are
// gzip-compressed.
func NewEventLog(path string) *EventLog {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	return &EventLog{
		writer: writer,
		enc:    json.NewEncoder(writer),
	}
}

// HandleEvent writes one event as a JSON line.
func (l *EventLog) HandleEvent(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(ev)
}

// Close flushes and closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}
