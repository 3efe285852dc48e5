//go:build !portaudio

package audio

import (
	"errors"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// PortAudioAvailable reports whether this build includes PortAudio capture.
const PortAudioAvailable = false

// ErrPortAudioUnavailable is returned when the binary was built without the portaudio tag.
var ErrPortAudioUnavailable = errors.New("portaudio support not compiled in (build with -tags portaudio)")

// NewPortAudioSource reports that PortAudio capture is unavailable.
func NewPortAudioSource(string, int) (Source, error) {
	return nil, ErrPortAudioUnavailable
}

// ListPortAudioDevices reports that PortAudio capture is unavailable.
func ListPortAudioDevices() ([]types.AudioDevice, error) {
	return nil, ErrPortAudioUnavailable
}
