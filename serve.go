package main

import (
	"context"
	"log/slog"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-recorder/internal/audio"
	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/recorder"
	"github.com/oszuidwest/zwfm-recorder/internal/retention"
	"github.com/oszuidwest/zwfm-recorder/internal/server"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder behind a WebSocket control channel",
	Long: `Run a long-lived recorder controlled over WebSocket at /ws. Clients send
commands (start, finish, cancel, cancel_encoding, set_encoding, set_options,
configure) and receive status, audio levels and recorder events.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Web.Port = servePort
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultWebPort, "HTTP port")
}

func runServe(ctx context.Context) error {
	snap := cfg.Snapshot()
	notifier := notify.New(cfg)
	defer notifier.Wait()

	hub := server.NewHub()
	cb := hub.Wrap(notifier.Wrap(recorder.Callbacks{
		OnComplete: func(a types.Artifact) {
			slog.Info("recording saved", "session", a.Session, "path", a.Path)
		},
		OnError: func(err error) {
			slog.Error("recorder error", "error", err)
		},
	}))

	rec, err := newRecorder(&snap, cb)
	if err != nil {
		return err
	}
	defer util.SafeClose(rec, "recorder")

	cleanup := retention.New(func() string { return rec.Config().Options.OutputDir }, snap.RetentionDays)
	go cleanup.Run(ctx)

	versions := NewVersionChecker(ctx)
	commands := server.NewCommandHandler(cfg, rec, listDevices, map[string]func() error{
		"webhook": func() error {
			s := cfg.Snapshot()
			return notify.SendTestWebhook(s.WebhookURL)
		},
		"email": func() error {
			s := cfg.Snapshot()
			return notify.SendTestEmail(notify.EmailConfigFromSnapshot(&s))
		},
		"log": func() error {
			s := cfg.Snapshot()
			return notify.WriteTestLog(s.LogPath)
		},
	})

	srv := server.New(cfg, rec, hub, commands, versions.GetInfo)
	err = srv.Start(ctx)
	slog.Info("shutting down")
	return err
}

// listDevices lists the input devices of the configured backend.
func listDevices() []types.AudioDevice {
	if cfg.Snapshot().AudioBackend == config.BackendPortAudio {
		devices, err := audio.ListPortAudioDevices()
		if err != nil {
			slog.Warn("failed to list PortAudio devices", "error", err)
		}
		return devices
	}
	return audio.ListDevices()
}
