// Package config provides application and recorder configuration management.
package config

import (
	"cmp"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Configuration defaults.
const (
	DefaultWebPort       = 8080
	DefaultWebUsername   = "admin"
	DefaultWebPassword   = "recorder"
	DefaultEmailSMTPPort = 587
	DefaultEmailFromName = "ZuidWest FM Recorder"
	DefaultAudioBackend  = BackendProcess
	EnvPrefix            = "ZWFM"
)

// Capture backends.
const (
	BackendProcess   = "process"
	BackendPortAudio = "portaudio"
)

// AudioConfig contains audio input configuration.
type AudioConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Device     string `mapstructure:"device" yaml:"device"`
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// WebConfig contains web server configuration.
type WebConfig struct {
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// EmailConfig contains email notification configuration.
type EmailConfig struct {
	Host       string `mapstructure:"host" yaml:"host,omitempty"`
	Port       int    `mapstructure:"port" yaml:"port,omitempty"`
	FromName   string `mapstructure:"from_name" yaml:"from_name,omitempty"`
	Username   string `mapstructure:"username" yaml:"username,omitempty"`
	Password   string `mapstructure:"password" yaml:"password,omitempty"`
	Recipients string `mapstructure:"recipients" yaml:"recipients,omitempty"`
}

// NotificationsConfig contains all notification configuration.
type NotificationsConfig struct {
	WebhookURL     string      `mapstructure:"webhook_url" yaml:"webhook_url,omitempty"`
	LogPath        string      `mapstructure:"log_path" yaml:"log_path,omitempty"`
	NotifyComplete bool        `mapstructure:"notify_complete" yaml:"notify_complete"`
	Email          EmailConfig `mapstructure:"email" yaml:"email,omitempty"`
}

// WorkerConfig controls how the encoder is run.
type WorkerConfig struct {
	// InProcess runs the encoder on a goroutine instead of a child process.
	InProcess   bool          `mapstructure:"in_process" yaml:"in_process"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	LoadTimeout time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
}

// RetentionConfig controls automatic deletion of old recordings.
type RetentionConfig struct {
	// Days keeps recordings for this many days. Zero keeps them forever.
	Days int `mapstructure:"days" yaml:"days"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	Recorder      Recorder            `mapstructure:"recorder" yaml:"recorder"`
	Audio         AudioConfig         `mapstructure:"audio" yaml:"audio"`
	Web           WebConfig           `mapstructure:"web" yaml:"web"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications,omitempty"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker"`
	Retention     RetentionConfig     `mapstructure:"retention" yaml:"retention"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		Recorder: DefaultRecorder(),
		Audio: AudioConfig{
			Backend:    DefaultAudioBackend,
			SampleRate: types.DefaultSampleRate,
		},
		Web: WebConfig{
			Port:     DefaultWebPort,
			Username: DefaultWebUsername,
			Password: DefaultWebPassword,
		},
		Worker: WorkerConfig{
			QueueSize:   types.DefaultQueueSize,
			LoadTimeout: types.LoadTimeout,
		},
		filePath: filePath,
	}
}

// Load reads configuration from an optional file and ZWFM_* environment variables.
// A .env file in the working directory is loaded first when present.
func Load(filePath string) (*Config, error) {
	_ = godotenv.Load()

	c := New(filePath)
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	c.registerDefaults(v)

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, util.WrapError("read config", err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return nil, util.WrapError("parse config", err)
	}

	c.applyDefaults()
	if err := util.ValidatePort("web.port", c.Web.Port); err != nil {
		return nil, util.WrapError("validate config", err)
	}
	if c.Retention.Days < 0 {
		return nil, util.WrapError("validate config", &util.ValidationError{Field: "retention.days", Message: "retention.days must not be negative"})
	}
	if err := c.Recorder.Validate(); err != nil {
		return nil, util.WrapError("validate recorder config", err)
	}
	return c, nil
}

// registerDefaults makes every key known to viper so environment overrides apply.
func (c *Config) registerDefaults(v *viper.Viper) {
	r := c.Recorder
	defaults := map[string]any{
		"recorder.num_channels":                r.NumChannels,
		"recorder.encoding":                    string(r.Encoding),
		"recorder.options.time_limit":          r.Options.TimeLimit,
		"recorder.options.encode_after_record": r.Options.EncodeAfterRecord,
		"recorder.options.progress_interval":   r.Options.ProgressInterval,
		"recorder.options.buffer_size":         r.Options.BufferSize,
		"recorder.options.output_dir":          r.Options.OutputDir,
		"recorder.options.wav.mime_type":       r.Options.WAV.MimeType,
		"recorder.options.wav.bit_depth":       r.Options.WAV.BitDepth,
		"recorder.options.ogg.mime_type":       r.Options.OGG.MimeType,
		"recorder.options.ogg.quality":         r.Options.OGG.Quality,
		"recorder.options.mp3.mime_type":       r.Options.MP3.MimeType,
		"recorder.options.mp3.bit_rate":        r.Options.MP3.BitRate,
		"audio.backend":                        c.Audio.Backend,
		"audio.device":                         c.Audio.Device,
		"audio.sample_rate":                    c.Audio.SampleRate,
		"web.port":                             c.Web.Port,
		"web.username":                         c.Web.Username,
		"web.password":                         c.Web.Password,
		"notifications.webhook_url":            "",
		"notifications.log_path":               "",
		"notifications.notify_complete":        false,
		"notifications.email.host":             "",
		"notifications.email.port":             DefaultEmailSMTPPort,
		"notifications.email.from_name":        DefaultEmailFromName,
		"notifications.email.username":         "",
		"notifications.email.password":         "",
		"notifications.email.recipients":       "",
		"worker.in_process":                    c.Worker.InProcess,
		"worker.queue_size":                    c.Worker.QueueSize,
		"worker.load_timeout":                  c.Worker.LoadTimeout,
		"retention.days":                       c.Retention.Days,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.Audio.Backend = cmp.Or(c.Audio.Backend, DefaultAudioBackend)
	c.Audio.SampleRate = cmp.Or(c.Audio.SampleRate, types.DefaultSampleRate)
	c.Web.Port = cmp.Or(c.Web.Port, DefaultWebPort)
	c.Worker.QueueSize = cmp.Or(c.Worker.QueueSize, types.DefaultQueueSize)
	c.Worker.LoadTimeout = cmp.Or(c.Worker.LoadTimeout, types.LoadTimeout)
	c.Recorder.Options.OutputDir = cmp.Or(c.Recorder.Options.OutputDir, DefaultOutputDir())
}

// Save writes the configuration to file as YAML.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	if c.filePath == "" {
		return nil
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// YAML returns the effective configuration rendered as YAML.
func (c *Config) YAML() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return yaml.Marshal(c)
}

// FilePath returns the path the configuration is saved to.
func (c *Config) FilePath() string {
	return c.filePath
}

// RecorderSettings returns a copy of the recorder settings.
func (c *Config) RecorderSettings() Recorder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.Recorder
	r.Options = r.Options.Clone()
	return r
}

// SetRecorderSettings replaces the recorder settings and saves the configuration.
func (c *Config) SetRecorderSettings(r Recorder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Recorder = r
	c.Recorder.Options = r.Options.Clone()
	return c.saveLocked()
}

// Snapshot contains a point-in-time copy of all configuration values.
// Use this instead of multiple individual getters to reduce mutex contention.
type Snapshot struct {
	// Recorder
	Recorder Recorder

	// Audio
	AudioBackend string
	AudioDevice  string
	SampleRate   int

	// Web
	WebPort     int
	WebUser     string
	WebPassword string

	// Notifications
	WebhookURL     string
	LogPath        string
	NotifyComplete bool

	// Email
	EmailSMTPHost   string
	EmailSMTPPort   int
	EmailFromName   string
	EmailUsername   string
	EmailPassword   string
	EmailRecipients string

	// Worker
	WorkerInProcess   bool
	WorkerQueueSize   int
	WorkerLoadTimeout time.Duration

	// Retention
	RetentionDays int
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := c.Recorder
	r.Options = r.Options.Clone()

	return Snapshot{
		Recorder: r,

		AudioBackend: c.Audio.Backend,
		AudioDevice:  c.Audio.Device,
		SampleRate:   c.Audio.SampleRate,

		WebPort:     c.Web.Port,
		WebUser:     c.Web.Username,
		WebPassword: c.Web.Password,

		WebhookURL:     c.Notifications.WebhookURL,
		LogPath:        c.Notifications.LogPath,
		NotifyComplete: c.Notifications.NotifyComplete,

		EmailSMTPHost:   c.Notifications.Email.Host,
		EmailSMTPPort:   cmp.Or(c.Notifications.Email.Port, DefaultEmailSMTPPort),
		EmailFromName:   cmp.Or(c.Notifications.Email.FromName, DefaultEmailFromName),
		EmailUsername:   c.Notifications.Email.Username,
		EmailPassword:   c.Notifications.Email.Password,
		EmailRecipients: c.Notifications.Email.Recipients,

		WorkerInProcess:   c.Worker.InProcess,
		WorkerQueueSize:   c.Worker.QueueSize,
		WorkerLoadTimeout: c.Worker.LoadTimeout,

		RetentionDays: c.Retention.Days,
	}
}

// HasWebhook returns true if a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasEmail returns true if email notifications are configured.
func (s *Snapshot) HasEmail() bool {
	return s.EmailSMTPHost != "" && s.EmailRecipients != ""
}

// HasLogPath returns true if a log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}
