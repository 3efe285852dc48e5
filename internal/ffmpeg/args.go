// Package ffmpeg provides shared FFmpeg utilities and constants.
package ffmpeg

import (
	"bytes"
	"strconv"
)

// MaxStderrSize limits the stderr buffer to prevent memory exhaustion.
const MaxStderrSize = 64 * 1024 // 64KB

// ExtractLastError extracts the last meaningful error line from FFmpeg stderr.
// Returns empty string if no meaningful error found.
func ExtractLastError(stderr string) string {
	if stderr == "" {
		return ""
	}
	lines := bytes.Split([]byte(stderr), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := string(bytes.TrimSpace(lines[i]))
		if line != "" {
			if len(line) > 200 {
				return line[:200] + "..."
			}
			return line
		}
	}
	return ""
}

// PCMFormat describes raw PCM arriving on stdin.
type PCMFormat struct {
	SampleFormat string // FFmpeg sample format name, e.g. "f32le" or "s16le"
	SampleRate   int
	Channels     int
}

// Float32 returns the interleaved float32 format relayed to the encoder.
func Float32(sampleRate, channels int) PCMFormat {
	return PCMFormat{SampleFormat: "f32le", SampleRate: sampleRate, Channels: channels}
}

// BaseInputArgs returns the common FFmpeg arguments for PCM input from stdin.
func BaseInputArgs(in PCMFormat) []string {
	return []string{
		"-f", in.SampleFormat,
		"-ar", strconv.Itoa(in.SampleRate),
		"-ac", strconv.Itoa(in.Channels),
		"-hide_banner",
		"-loglevel", "warning",
		"-i", "pipe:0",
	}
}

// BuildArgsWithOverwrite constructs complete FFmpeg arguments from base input args,
// codec args, and format, writing to output with the -y flag for file overwriting.
func BuildArgsWithOverwrite(in PCMFormat, codecArgs []string, format, output string) []string {
	args := BaseInputArgs(in)
	args = append(args, "-codec:a")
	args = append(args, codecArgs...)
	args = append(args, "-f", format, "-y", output)
	return args
}
