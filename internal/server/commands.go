package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// Controller is the recorder surface driven by WebSocket commands.
type Controller interface {
	StartRecording() error
	FinishRecording() error
	CancelRecording() error
	CancelEncoding() error
	SetEncoding(kind types.EncodingKind) error
	SetOptions(patch config.OptionsPatch) error
	Configure(patch config.Patch) error
	Status() types.RecorderStatus
	Levels() types.AudioLevels
	Config() config.Recorder
}

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WSResult answers one command.
type WSResult struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// sessionLogResult carries the newest session log entries.
type sessionLogResult struct {
	Path    string                  `json:"path"`
	Entries []types.SessionLogEntry `json:"entries"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg          *config.Config
	ctrl         Controller
	devices      func() []types.AudioDevice
	testTriggers map[string]func() error
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, ctrl Controller, devices func() []types.AudioDevice, testTriggers map[string]func() error) *CommandHandler {
	return &CommandHandler{
		cfg:          cfg,
		ctrl:         ctrl,
		devices:      devices,
		testTriggers: testTriggers,
	}
}

// Handle runs cmd and returns the reply for the client. Replies of slow
// commands are sent later through reply.
func (h *CommandHandler) Handle(cmd WSCommand, reply func(any)) WSResult {
	result := WSResult{Type: "result", Command: cmd.Type, ID: cmd.ID}

	var err error
	switch cmd.Type {
	case "start":
		err = h.ctrl.StartRecording()
	case "finish":
		err = h.ctrl.FinishRecording()
	case "cancel":
		err = h.ctrl.CancelRecording()
	case "cancel_encoding":
		err = h.ctrl.CancelEncoding()
	case "set_encoding":
		err = h.handleSetEncoding(cmd)
	case "set_options":
		err = h.handleSetOptions(cmd)
	case "configure":
		err = h.handleConfigure(cmd)
	case "save_settings":
		err = h.cfg.SetRecorderSettings(h.ctrl.Config())
	case "list_devices":
		result.Data = h.devices()
	case "view_session_log":
		result.Data, err = h.handleViewSessionLog()
	case "test_webhook", "test_log", "test_email":
		return h.handleTest(cmd, reply)
	default:
		slog.Warn("unknown WebSocket command type", "type", cmd.Type)
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
	}
	return result
}

func (h *CommandHandler) handleSetEncoding(cmd WSCommand) error {
	var data struct {
		Encoding types.EncodingKind `json:"encoding"`
	}
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("set_encoding: invalid JSON data: %w", err)
	}
	return h.ctrl.SetEncoding(data.Encoding)
}

func (h *CommandHandler) handleSetOptions(cmd WSCommand) error {
	var data OptionsData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("set_options: invalid JSON data: %w", err)
	}
	return h.ctrl.SetOptions(data.Patch())
}

func (h *CommandHandler) handleConfigure(cmd WSCommand) error {
	var data struct {
		NumChannels *int                `json:"num_channels"`
		Encoding    *types.EncodingKind `json:"encoding"`
		Options     *OptionsData        `json:"options"`
	}
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("configure: invalid JSON data: %w", err)
	}
	patch := config.Patch{NumChannels: data.NumChannels, Encoding: data.Encoding}
	if data.Options != nil {
		opts := data.Options.Patch()
		patch.Options = &opts
	}
	return h.ctrl.Configure(patch)
}

// handleTest runs a notification test in the background and replies when it is done.
func (h *CommandHandler) handleTest(cmd WSCommand, reply func(any)) WSResult {
	testType := strings.TrimPrefix(cmd.Type, "test_")
	result := WSResult{Type: "result", Command: cmd.Type, ID: cmd.ID}

	trigger, ok := h.testTriggers[testType]
	if !ok {
		result.Error = fmt.Sprintf("unknown test type %q", testType)
		return result
	}

	go func() {
		final := result
		if err := trigger(); err != nil {
			slog.Error("test failed", "command", cmd.Type, "error", err)
			final.Error = err.Error()
		} else {
			slog.Info("test succeeded", "command", cmd.Type)
			final.Success = true
		}
		reply(final)
	}()

	result.Type = "pending"
	result.Success = true
	return result
}

func (h *CommandHandler) handleViewSessionLog() (*sessionLogResult, error) {
	snap := h.cfg.Snapshot()
	if !snap.HasLogPath() {
		return nil, errors.New("log file path not configured")
	}
	entries, err := readSessionLog(snap.LogPath, 100)
	if err != nil {
		return nil, err
	}
	return &sessionLogResult{Path: snap.LogPath, Entries: entries}, nil
}

// readSessionLog reads the newest maxEntries entries, newest first.
func readSessionLog(logPath string, maxEntries int) ([]types.SessionLogEntry, error) {
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return []types.SessionLogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines = lines[max(0, len(lines)-maxEntries):]

	entries := make([]types.SessionLogEntry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var entry types.SessionLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // Skip malformed entries
		}
		entries = append(entries, entry)
	}
	slices.Reverse(entries)
	return entries, nil
}

// OptionsData is the JSON form of an options patch. Durations are in seconds.
type OptionsData struct {
	TimeLimit         *float64 `json:"time_limit"`
	EncodeAfterRecord *bool    `json:"encode_after_record"`
	ProgressInterval  *float64 `json:"progress_interval"`
	BufferSize        *int     `json:"buffer_size"`
	OutputDir         *string  `json:"output_dir"`

	WAV *struct {
		MimeType *string `json:"mime_type"`
		BitDepth *int    `json:"bit_depth"`
	} `json:"wav"`
	OGG *struct {
		MimeType *string  `json:"mime_type"`
		Quality  *float64 `json:"quality"`
	} `json:"ogg"`
	MP3 *struct {
		MimeType *string `json:"mime_type"`
		BitRate  *int    `json:"bit_rate"`
	} `json:"mp3"`

	Extra map[string]any `json:"extra"`
}

// Patch converts d into a config patch.
func (d *OptionsData) Patch() config.OptionsPatch {
	p := config.OptionsPatch{
		TimeLimit:         seconds(d.TimeLimit),
		EncodeAfterRecord: d.EncodeAfterRecord,
		ProgressInterval:  seconds(d.ProgressInterval),
		BufferSize:        d.BufferSize,
		OutputDir:         d.OutputDir,
		Extra:             d.Extra,
	}
	if d.WAV != nil {
		p.WAV = &config.WAVPatch{MimeType: d.WAV.MimeType, BitDepth: d.WAV.BitDepth}
	}
	if d.OGG != nil {
		p.OGG = &config.OGGPatch{MimeType: d.OGG.MimeType, Quality: d.OGG.Quality}
	}
	if d.MP3 != nil {
		p.MP3 = &config.MP3Patch{MimeType: d.MP3.MimeType, BitRate: d.MP3.BitRate}
	}
	return p
}

func seconds(v *float64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v * float64(time.Second))
	return &d
}
