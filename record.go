package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/recorder"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

var recordFlags struct {
	duration          time.Duration
	encoding          string
	channels          int
	outputDir         string
	encodeAfterRecord bool
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until interrupted or the time limit is reached",
	Long: `Record audio from the configured device. Press Ctrl+C to finish the
recording; the path of the artifact is printed on stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap := cfg.Snapshot()
		snap.Recorder = config.Merge(snap.Recorder, recordPatch(cmd))
		return runRecord(cmd.Context(), &snap)
	},
}

func init() {
	f := recordCmd.Flags()
	f.DurationVarP(&recordFlags.duration, "duration", "d", 0, "stop after this long (overrides the configured time limit, 0 keeps it)")
	f.StringVarP(&recordFlags.encoding, "encoding", "e", "", "output encoding: wav, ogg or mp3")
	f.IntVarP(&recordFlags.channels, "channels", "c", 0, "number of channels to record")
	f.StringVarP(&recordFlags.outputDir, "output", "o", "", "directory to write the recording to")
	f.BoolVar(&recordFlags.encodeAfterRecord, "encode-after-record", false, "spool raw audio and encode after the recording stops")
}

// recordPatch turns the flags that were set into a configuration patch.
func recordPatch(cmd *cobra.Command) config.Patch {
	var p config.Patch
	var opts config.OptionsPatch
	var hasOpts bool
	flags := cmd.Flags()

	if flags.Changed("encoding") {
		kind := types.EncodingKind(recordFlags.encoding)
		p.Encoding = &kind
	}
	if flags.Changed("channels") {
		p.NumChannels = &recordFlags.channels
	}
	if flags.Changed("duration") && recordFlags.duration > 0 {
		opts.TimeLimit = &recordFlags.duration
		hasOpts = true
	}
	if flags.Changed("output") {
		opts.OutputDir = &recordFlags.outputDir
		hasOpts = true
	}
	if flags.Changed("encode-after-record") {
		opts.EncodeAfterRecord = &recordFlags.encodeAfterRecord
		hasOpts = true
	}
	if hasOpts {
		p.Options = &opts
	}
	return p
}

// runRecord records one session and prints the artifact path.
func runRecord(ctx context.Context, snap *config.Snapshot) error {
	if ctx == nil {
		ctx = context.Background()
	}
	notifier := notify.New(cfg)
	defer notifier.Wait()

	complete := make(chan types.Artifact, 1)
	failed := make(chan error, 1)
	cb := notifier.Wrap(recorder.Callbacks{
		OnComplete: func(a types.Artifact) { complete <- a },
		OnError: func(err error) {
			slog.Error("recorder error", "error", err)
			if notify.Alertable(err) {
				select {
				case failed <- err:
				default:
				}
			}
		},
		OnEncodingProgress: func(fraction float64) {
			slog.Info("encoding", "progress", fmt.Sprintf("%.0f%%", fraction*100))
		},
	})

	rec, err := newRecorder(snap, cb)
	if err != nil {
		return err
	}
	defer util.SafeClose(rec, "recorder")

	if err := rec.WaitLoaded(ctx); err != nil {
		return util.WrapError("load encoder", err)
	}
	if err := rec.StartRecording(); err != nil {
		return err
	}
	slog.Info("recording, press Ctrl+C to finish", "time_limit", snap.Recorder.Options.TimeLimit)

	sigCtx, stop := signal.NotifyContext(ctx, util.ShutdownSignals()...)
	defer stop()

	select {
	case a := <-complete:
		return printArtifact(a)
	case err := <-failed:
		return err
	case <-sigCtx.Done():
	}

	stop()
	slog.Info("finishing recording, press Ctrl+C again to discard it")
	if err := rec.FinishRecording(); err != nil && !errors.Is(err, recorder.ErrIllegalCall) {
		return err
	}

	abortCtx, stopAbort := signal.NotifyContext(ctx, util.ShutdownSignals()...)
	defer stopAbort()

	select {
	case a := <-complete:
		return printArtifact(a)
	case err := <-failed:
		return err
	case <-abortCtx.Done():
		if snap.Recorder.Options.EncodeAfterRecord {
			_ = rec.CancelEncoding()
		}
		return errors.New("recording discarded")
	}
}

func printArtifact(a types.Artifact) error {
	slog.Info("recording saved",
		"path", a.Path,
		"encoding", a.Encoding,
		"size", a.Size,
		"duration", a.Duration.Round(time.Millisecond),
	)
	_, err := fmt.Fprintln(os.Stdout, a.Path)
	return err
}
