package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/encoder"
	"github.com/oszuidwest/zwfm-recorder/internal/recorder"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// newSource returns the capture backend selected in the configuration.
func newSource(snap *config.Snapshot) (audio.Source, error) {
	switch snap.AudioBackend {
	case config.BackendProcess:
		return audio.NewProcessSource(snap.AudioDevice, snap.SampleRate), nil
	case config.BackendPortAudio:
		return audio.NewPortAudioSource(snap.AudioDevice, snap.SampleRate)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", snap.AudioBackend)
	}
}

// newDialer returns the encoder transport: this binary's worker command in a
// child process, or a goroutine when running in-process.
func newDialer(snap *config.Snapshot) (encoder.Dialer, error) {
	if snap.WorkerInProcess {
		return encoder.LocalDialer{}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, util.WrapError("locate executable", err)
	}
	command := []string{exe, "worker"}
	if verbose {
		command = append(command, "--verbose")
	}
	return encoder.ProcessDialer{Command: command}, nil
}

// newRecorder builds a recorder from the configuration snapshot.
func newRecorder(snap *config.Snapshot, cb recorder.Callbacks) (*recorder.Recorder, error) {
	source, err := newSource(snap)
	if err != nil {
		return nil, err
	}
	dialer, err := newDialer(snap)
	if err != nil {
		return nil, err
	}

	slog.Info("creating recorder",
		"backend", snap.AudioBackend,
		"device", snap.AudioDevice,
		"sample_rate", source.SampleRate(),
		"encoding", snap.Recorder.Encoding,
		"channels", snap.Recorder.NumChannels,
		"in_process", snap.WorkerInProcess,
	)
	return recorder.New(snap.Recorder, source, dialer, cb,
		recorder.WithLinkOptions(encoder.Options{
			QueueSize:   snap.WorkerQueueSize,
			LoadTimeout: snap.WorkerLoadTimeout,
		}),
	)
}
