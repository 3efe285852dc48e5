package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Recorder defaults.
const (
	DefaultNumChannels      = 1
	DefaultEncoding         = types.EncodingWAV
	DefaultTimeLimit        = 300 * time.Second
	DefaultProgressInterval = time.Second
	DefaultWAVMimeType      = "audio/wav"
	DefaultWAVBitDepth      = 16
	DefaultOGGMimeType      = "audio/ogg"
	DefaultOGGQuality       = 0.5
	DefaultMP3MimeType      = "audio/mpeg"
	DefaultMP3BitRate       = 160
)

// WAVOptions configures the WAV encoding.
type WAVOptions struct {
	MimeType string `mapstructure:"mime_type" yaml:"mime_type" json:"mime_type"`
	BitDepth int    `mapstructure:"bit_depth" yaml:"bit_depth" json:"bit_depth"`
}

// OGGOptions configures the Ogg Vorbis encoding.
type OGGOptions struct {
	MimeType string  `mapstructure:"mime_type" yaml:"mime_type" json:"mime_type"`
	Quality  float64 `mapstructure:"quality" yaml:"quality" json:"quality"` // -0.1 to 1.0
}

// MP3Options configures the MP3 encoding.
type MP3Options struct {
	MimeType string `mapstructure:"mime_type" yaml:"mime_type" json:"mime_type"`
	BitRate  int    `mapstructure:"bit_rate" yaml:"bit_rate" json:"bit_rate"` // kbit/s
}

// Options contains the settings shared by every encoding plus the per-encoding blocks.
type Options struct {
	TimeLimit         time.Duration `mapstructure:"time_limit" yaml:"time_limit" json:"time_limit"` // 0 = unlimited
	EncodeAfterRecord bool          `mapstructure:"encode_after_record" yaml:"encode_after_record" json:"encode_after_record"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" json:"progress_interval"`
	BufferSize        int           `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"` // 0 = chosen by the recorder
	OutputDir         string        `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`

	WAV WAVOptions `mapstructure:"wav" yaml:"wav" json:"wav"`
	OGG OGGOptions `mapstructure:"ogg" yaml:"ogg" json:"ogg"`
	MP3 MP3Options `mapstructure:"mp3" yaml:"mp3" json:"mp3"`

	// Extra holds option blocks this schema does not know about. They are
	// passed through to the encoder unchanged.
	Extra map[string]any `mapstructure:",remain" yaml:",inline" json:"extra,omitempty"`
}

// Recorder holds the settings of one recording controller.
type Recorder struct {
	NumChannels int                `mapstructure:"num_channels" yaml:"num_channels" json:"num_channels"`
	Encoding    types.EncodingKind `mapstructure:"encoding" yaml:"encoding" json:"encoding"`
	Options     Options            `mapstructure:"options" yaml:"options" json:"options"`
}

// DefaultOutputDir returns the directory artifacts are written to when none is configured.
func DefaultOutputDir() string {
	return filepath.Join(os.TempDir(), "zwfm-recorder")
}

// DefaultRecorder returns the recorder settings with every field at its default.
func DefaultRecorder() Recorder {
	return Recorder{
		NumChannels: DefaultNumChannels,
		Encoding:    DefaultEncoding,
		Options: Options{
			TimeLimit:        DefaultTimeLimit,
			ProgressInterval: DefaultProgressInterval,
			OutputDir:        DefaultOutputDir(),
			WAV:              WAVOptions{MimeType: DefaultWAVMimeType, BitDepth: DefaultWAVBitDepth},
			OGG:              OGGOptions{MimeType: DefaultOGGMimeType, Quality: DefaultOGGQuality},
			MP3:              MP3Options{MimeType: DefaultMP3MimeType, BitRate: DefaultMP3BitRate},
		},
	}
}

// MimeType returns the content type of artifacts produced with the current encoding.
func (r *Recorder) MimeType() string {
	return r.Options.MimeType(r.Encoding)
}

// MimeType returns the content type configured for the given encoding.
func (o *Options) MimeType(kind types.EncodingKind) string {
	switch kind {
	case types.EncodingOGG:
		return o.OGG.MimeType
	case types.EncodingMP3:
		return o.MP3.MimeType
	default:
		return o.WAV.MimeType
	}
}

// TickSize returns the capture tick size in frames.
func (o *Options) TickSize() int {
	if o.BufferSize == 0 {
		return types.DefaultBufferSize
	}
	return o.BufferSize
}

// Clone returns a copy that shares no maps with o.
func (o Options) Clone() Options {
	o.Extra = MergeMaps(nil, o.Extra)
	return o
}

// WAVPatch is a partial WAVOptions; nil fields are left untouched.
type WAVPatch struct {
	MimeType *string
	BitDepth *int
}

// OGGPatch is a partial OGGOptions; nil fields are left untouched.
type OGGPatch struct {
	MimeType *string
	Quality  *float64
}

// MP3Patch is a partial MP3Options; nil fields are left untouched.
type MP3Patch struct {
	MimeType *string
	BitRate  *int
}

// OptionsPatch is a partial Options; nil fields are left untouched.
type OptionsPatch struct {
	TimeLimit         *time.Duration
	EncodeAfterRecord *bool
	ProgressInterval  *time.Duration
	BufferSize        *int
	OutputDir         *string

	WAV *WAVPatch
	OGG *OGGPatch
	MP3 *MP3Patch

	Extra map[string]any
}

// Patch is a partial Recorder; nil fields are left untouched.
type Patch struct {
	NumChannels *int
	Encoding    *types.EncodingKind
	Options     *OptionsPatch
}

// Merge returns base with every field present in p applied. Nested blocks merge
// field by field and scalars overwrite. Merge does not validate.
func Merge(base Recorder, p Patch) Recorder {
	out := base
	out.Options = base.Options.Clone()
	set(&out.NumChannels, p.NumChannels)
	set(&out.Encoding, p.Encoding)
	if p.Options != nil {
		out.Options = MergeOptions(out.Options, *p.Options)
	}
	return out
}

// MergeOptions returns base with every field present in p applied.
func MergeOptions(base Options, p OptionsPatch) Options {
	out := base.Clone()
	set(&out.TimeLimit, p.TimeLimit)
	set(&out.EncodeAfterRecord, p.EncodeAfterRecord)
	set(&out.ProgressInterval, p.ProgressInterval)
	set(&out.BufferSize, p.BufferSize)
	set(&out.OutputDir, p.OutputDir)

	if p.WAV != nil {
		set(&out.WAV.MimeType, p.WAV.MimeType)
		set(&out.WAV.BitDepth, p.WAV.BitDepth)
	}
	if p.OGG != nil {
		set(&out.OGG.MimeType, p.OGG.MimeType)
		set(&out.OGG.Quality, p.OGG.Quality)
	}
	if p.MP3 != nil {
		set(&out.MP3.MimeType, p.MP3.MimeType)
		set(&out.MP3.BitRate, p.MP3.BitRate)
	}
	if p.Extra != nil {
		out.Extra = MergeMaps(out.Extra, p.Extra)
	}
	return out
}

// MergeMaps returns a new map holding base with over merged into it.
// Nested maps merge recursively; any other value in over replaces the one in base.
// Neither argument is modified.
func MergeMaps(base, over map[string]any) map[string]any {
	if base == nil && over == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		if m, ok := v.(map[string]any); ok {
			v = MergeMaps(m, nil)
		}
		out[k] = v
	}
	for k, v := range over {
		m, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		existing, _ := out[k].(map[string]any)
		out[k] = MergeMaps(existing, m)
	}
	return out
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks every recorder setting and returns all failures joined.
func (r *Recorder) Validate() error {
	var errs []error
	add := func(e *util.ValidationError) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	add(util.ValidateRange("num_channels", r.NumChannels, 1, types.MaxChannels))
	if !r.Encoding.Valid() {
		add(&util.ValidationError{
			Field:   "encoding",
			Message: fmt.Sprintf("encoding must be one of %v, got %q", types.EncodingKinds, r.Encoding),
		})
	}

	o := &r.Options
	if o.TimeLimit < 0 {
		add(&util.ValidationError{Field: "time_limit", Message: "time_limit must not be negative"})
	}
	if o.ProgressInterval <= 0 {
		add(&util.ValidationError{Field: "progress_interval", Message: "progress_interval must be positive"})
	}
	if o.BufferSize != 0 {
		add(validateBufferSize(o.BufferSize))
	}
	add(util.ValidateRequired("output_dir", o.OutputDir))
	add(util.ValidateRequired("wav.mime_type", o.WAV.MimeType))
	add(util.ValidateRequired("ogg.mime_type", o.OGG.MimeType))
	add(util.ValidateRequired("mp3.mime_type", o.MP3.MimeType))
	add(util.ValidateOneOf("wav.bit_depth", fmt.Sprint(o.WAV.BitDepth), "16", "24", "32"))
	add(util.ValidateRangeFloat("ogg.quality", o.OGG.Quality, -0.1, 1.0))
	add(util.ValidateRange("mp3.bit_rate", o.MP3.BitRate, 8, 320))

	return errors.Join(errs...)
}

// validateBufferSize checks that a tick size is a power of two within the supported range.
func validateBufferSize(n int) *util.ValidationError {
	if e := util.ValidateRange("buffer_size", n, types.MinBufferSize, types.MaxBufferSize); e != nil {
		return e
	}
	if n&(n-1) != 0 {
		return &util.ValidationError{
			Field:   "buffer_size",
			Message: fmt.Sprintf("buffer_size must be a power of two, got %d", n),
		}
	}
	return nil
}
