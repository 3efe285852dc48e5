package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// LogComplete appends a finished recording to the session log.
func LogComplete(logPath string, a types.Artifact) error {
	return appendLogEntry(logPath, types.SessionLogEntry{
		Timestamp: util.RFC3339Now(),
		Event:     "recording_complete",
		Session:   a.Session,
		Encoding:  a.Encoding,
		Path:      a.Path,
		Duration:  util.Seconds(a.Duration),
	})
}

// LogError appends a failed recording to the session log.
func LogError(logPath, session, message string) error {
	return appendLogEntry(logPath, types.SessionLogEntry{
		Timestamp: util.RFC3339Now(),
		Event:     "recording_failed",
		Session:   session,
		Error:     message,
	})
}

// WriteTestLog writes a test entry to verify log file configuration.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}
	return appendLogEntry(logPath, types.SessionLogEntry{
		Timestamp: util.RFC3339Now(),
		Event:     "test",
	})
}

// appendLogEntry appends one JSON line to the file.
func appendLogEntry(logPath string, entry types.SessionLogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}
	return nil
}
