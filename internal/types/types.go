// Package types provides shared type definitions used across the recorder.
package types

import (
	"strconv"
	"time"
)

// SessionState represents the current state of a recording session.
type SessionState string

const (
	// StateIdle indicates no recording is running and the encoder is ready.
	StateIdle SessionState = "idle"
	// StateRecording indicates the capture tap is attached and frames are relayed.
	StateRecording SessionState = "recording"
	// StateCancelling indicates a recording is being torn down.
	StateCancelling SessionState = "cancelling"
	// StateFinishing indicates capture stopped and the encoder is producing the artifact.
	StateFinishing SessionState = "finishing"
	// StateEncoding indicates capture stopped and the encoder is encoding the spooled recording.
	StateEncoding SessionState = "encoding"
	// StateComplete indicates the artifact has been delivered.
	StateComplete SessionState = "complete"
	// StateError indicates the session ended with an encoder error.
	StateError SessionState = "error"
)

// EncodingKind identifies the output codec and container.
type EncodingKind string

const (
	EncodingWAV EncodingKind = "wav"
	EncodingOGG EncodingKind = "ogg"
	EncodingMP3 EncodingKind = "mp3"
)

// EncodingKinds lists the supported encodings in display order.
var EncodingKinds = []EncodingKind{EncodingWAV, EncodingOGG, EncodingMP3}

// Valid reports whether k is a supported encoding.
func (k EncodingKind) Valid() bool {
	_, ok := CodecPresets[k]
	return ok
}

// Timing and sizing settings.
const (
	DefaultSampleRate  = 48000
	DefaultBufferSize  = 4096
	DefaultQueueSize   = 64
	LoadTimeout        = 10 * time.Second       // Time to wait for the encoder's loaded acknowledgement
	ControlTimeout     = 2 * time.Second        // Time a control message may wait for queue room
	ShutdownTimeout    = 3 * time.Second        // Time to wait for graceful shutdown before SIGKILL
	PollInterval       = 50 * time.Millisecond  // Interval for polling process state
	LevelsInterval     = 100 * time.Millisecond // Interval for pushing audio levels to clients
	MinBufferSize      = 256
	MaxBufferSize      = 16384
	MaxChannels        = 32
)

// Artifact is the final output of an encoder session.
type Artifact struct {
	Session  string        `json:"session"`
	Encoding EncodingKind  `json:"encoding"`
	MimeType string        `json:"mime_type"`
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
}

// CodecPreset defines FFmpeg encoding parameters for an encoding.
// Native presets are written in-process and carry no FFmpeg codec.
type CodecPreset struct {
	Codec     string
	Format    string
	Extension string
	Native    bool
}

// CodecPresets maps encodings to their output configuration.
var CodecPresets = map[EncodingKind]CodecPreset{
	EncodingWAV: {Codec: "pcm_s16le", Format: "wav", Extension: "wav", Native: true},
	EncodingOGG: {Codec: "libvorbis", Format: "ogg", Extension: "ogg"},
	EncodingMP3: {Codec: "libmp3lame", Format: "mp3", Extension: "mp3"},
}

// VorbisQuality maps a quality value in [-0.1, 1.0] to the libvorbis -qscale:a range [-1, 10].
func VorbisQuality(quality float64) string {
	return strconv.FormatFloat(quality*10, 'f', 1, 64)
}

// MP3Bitrate formats a bitrate in kbit/s for libmp3lame.
func MP3Bitrate(kbps int) string {
	return strconv.Itoa(kbps) + "k"
}

// AudioDevice represents an audio input device.
type AudioDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AudioLevels contains current audio level measurements for each channel.
type AudioLevels struct {
	RMS  []float64 `json:"rms"`            // RMS level in dB (-60 to 0)
	Peak []float64 `json:"peak"`           // Held peak level in dB
	Clip []int     `json:"clip,omitempty"` // Clipped samples per channel
}

// RecorderStatus contains a summary of the recorder's current state.
type RecorderStatus struct {
	State        SessionState `json:"state"`
	Encoding     EncodingKind `json:"encoding"`
	NumChannels  int          `json:"num_channels"`
	Session      string       `json:"session,omitzero"`
	Elapsed      float64      `json:"elapsed,omitzero"` // Seconds since recording started
	Progress     float64      `json:"progress,omitzero"`
	Outcome      SessionState `json:"outcome,omitzero"` // How the last session ended: complete, error or cancelling
	TicksRelayed uint64       `json:"ticks_relayed,omitzero"`
	TicksDropped uint64       `json:"ticks_dropped,omitzero"`
	LastError    string       `json:"last_error,omitzero"`
	LastArtifact *Artifact    `json:"last_artifact,omitempty"`
}

// SessionLogEntry is one line of the JSON session log.
type SessionLogEntry struct {
	Timestamp string       `json:"timestamp"`
	Event     string       `json:"event"`
	Session   string       `json:"session,omitempty"`
	Encoding  EncodingKind `json:"encoding,omitempty"`
	Path      string       `json:"path,omitempty"`
	Duration  float64      `json:"duration_sec,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// VersionInfo describes the running binary and its ffmpeg dependency.
type VersionInfo struct {
	Current       string `json:"current"`
	Latest        string `json:"latest,omitzero"`
	UpdateAvail   bool   `json:"update_available"`
	Commit        string `json:"commit"`
	BuildTime     string `json:"build_time,omitzero"`
	FFmpeg        string `json:"ffmpeg,omitzero"`
	FFmpegMinimum string `json:"ffmpeg_minimum"`
	FFmpegOK      bool   `json:"ffmpeg_ok"`
}
