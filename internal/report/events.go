package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventScan      EventType = "scan"
	EventExclusion EventType = "exclusion"
	EventGroup     EventType = "group"
	EventVerdict   EventType = "verdict"
	EventStage     EventType = "stage"
	EventApply     EventType = "apply"
	EventCommit    EventType = "commit"
	EventRollback  EventType = "rollback"
	EventUndo      EventType = "undo"
	EventRedo      EventType = "redo"
	EventRecover   EventType = "recover"
	EventError     EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single audit record
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      EventLevel        `json:"level"`
	Event      EventType         `json:"event"`
	Path       string            `json:"path,omitempty"`
	DestPath   string            `json:"dest_path,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	GroupID    string            `json:"group_id,omitempty"`
	TxID       string            `json:"tx_id,omitempty"`
	OpID       string            `json:"op_id,omitempty"`
	Similarity float64           `json:"similarity,omitempty"`
	Action     string            `json:"action,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Bytes      int64             `json:"bytes,omitempty"`
	Duration   int64             `json:"duration_ms,omitempty"`
	Error      string            `json:"error,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file. A nil logger discards everything.
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	path := filepath.Join(outputDir, fmt.Sprintf("events-%s.jsonl", timestamp))

	// Append so two commands in the same second share one file
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil
	}

	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

func errLevel(err error, ok EventLevel) (EventLevel, string) {
	if err != nil {
		return LevelError, err.Error()
	}
	return ok, ""
}

// LogScan logs a discovered file
func (l *EventLogger) LogScan(path, kind string, sizeBytes int64) error {
	return l.Log(&Event{
		Level: LevelDebug,
		Event: EventScan,
		Path:  path,
		Bytes: sizeBytes,
		Extra: map[string]string{"kind": kind},
	})
}

// LogExclusion logs a file dropped from a tier's grouping
func (l *EventLogger) LogExclusion(path, tier string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return l.Log(&Event{
		Level: LevelWarning,
		Event: EventExclusion,
		Path:  path,
		Tier:  tier,
		Error: msg,
	})
}

// LogGroup logs a detected duplicate group
func (l *EventLogger) LogGroup(groupID, tier string, similarity float64, members []string) error {
	return l.Log(&Event{
		Level:      LevelInfo,
		Event:      EventGroup,
		GroupID:    groupID,
		Tier:       tier,
		Similarity: similarity,
		Extra:      map[string]string{"member_count": fmt.Sprintf("%d", len(members))},
	})
}

// LogVerdict logs the keep decision for a group
func (l *EventLogger) LogVerdict(groupID, keepPath, reason string, removeCount int) error {
	return l.Log(&Event{
		Level:   LevelInfo,
		Event:   EventVerdict,
		GroupID: groupID,
		Path:    keepPath,
		Reason:  reason,
		Extra:   map[string]string{"remove_count": fmt.Sprintf("%d", removeCount)},
	})
}

// LogStage logs a backup copy into the staging area
func (l *EventLogger) LogStage(txID, opID, path, stagedPath string, bytes int64, duration time.Duration, err error) error {
	level, msg := errLevel(err, LevelInfo)
	return l.Log(&Event{
		Level:    level,
		Event:    EventStage,
		TxID:     txID,
		OpID:     opID,
		Path:     path,
		DestPath: stagedPath,
		Bytes:    bytes,
		Duration: duration.Milliseconds(),
		Error:    msg,
	})
}

// LogApply logs a filesystem mutation
func (l *EventLogger) LogApply(txID, opID, action, path, destPath string, err error) error {
	level, msg := errLevel(err, LevelInfo)
	return l.Log(&Event{
		Level:    level,
		Event:    EventApply,
		TxID:     txID,
		OpID:     opID,
		Action:   action,
		Path:     path,
		DestPath: destPath,
		Error:    msg,
	})
}

// LogTransaction logs a transaction reaching commit, rollback or recovery
func (l *EventLogger) LogTransaction(event EventType, txID string, opCount int, reason string, err error) error {
	level, msg := errLevel(err, LevelInfo)
	if event == EventRollback && err == nil {
		level = LevelWarning
	}
	return l.Log(&Event{
		Level:  level,
		Event:  event,
		TxID:   txID,
		Reason: reason,
		Error:  msg,
		Extra:  map[string]string{"op_count": fmt.Sprintf("%d", opCount)},
	})
}

// LogReversal logs an undo or redo of one operation
func (l *EventLogger) LogReversal(event EventType, opID, newOpID, path string, err error) error {
	level, msg := errLevel(err, LevelInfo)
	return l.Log(&Event{
		Level: level,
		Event: event,
		OpID:  opID,
		Path:  path,
		Error: msg,
		Extra: map[string]string{"new_op_id": newOpID},
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, path string, err error) error {
	return l.Log(&Event{
		Level: LevelError,
		Event: event,
		Path:  path,
		Error: err.Error(),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
