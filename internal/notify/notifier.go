package notify

import (
	"errors"
	"sync"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/encoder"
	"github.com/oszuidwest/zwfm-recorder/internal/recorder"
	"github.com/oszuidwest/zwfm-recorder/internal/relay"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Notifier sends webhook, email and log notifications for recording outcomes.
//
// Every failure is written to the session log. Webhook and email alerts are
// sent once per run of failures and re-armed by the next completed recording,
// so a broken encoder does not flood the recipients.
type Notifier struct {
	cfg *config.Config
	wg  sync.WaitGroup

	// mu protects the alert state fields below
	mu          sync.Mutex
	webhookSent bool
	emailSent   bool
}

// New returns a Notifier reading its targets from cfg on every notification.
func New(cfg *config.Config) *Notifier {
	return &Notifier{cfg: cfg}
}

// Wrap returns cb with OnComplete and OnError extended to notify.
// The wrapped handlers run first.
func (n *Notifier) Wrap(cb recorder.Callbacks) recorder.Callbacks {
	onComplete, onError := cb.OnComplete, cb.OnError
	cb.OnComplete = func(a types.Artifact) {
		if onComplete != nil {
			onComplete(a)
		}
		n.RecordingComplete(a)
	}
	cb.OnError = func(err error) {
		if onError != nil {
			onError(err)
		}
		n.RecordingFailed(err)
	}
	return cb
}

// RecordingComplete logs the artifact and, when enabled, notifies the webhook and email targets.
func (n *Notifier) RecordingComplete(a types.Artifact) {
	cfg := n.cfg.Snapshot()

	n.mu.Lock()
	n.webhookSent = false
	n.emailSent = false
	n.mu.Unlock()

	if cfg.HasLogPath() {
		n.spawn(func() error { return LogComplete(cfg.LogPath, a) }, "Completion log", a.Session)
	}
	if !cfg.NotifyComplete {
		return
	}
	if cfg.HasWebhook() {
		n.spawn(func() error { return SendCompleteWebhook(cfg.WebhookURL, a) }, "Completion webhook", a.Session)
	}
	if cfg.HasEmail() {
		emailCfg := EmailConfigFromSnapshot(&cfg)
		n.spawn(func() error { return SendCompleteEmail(emailCfg, a) }, "Completion email", a.Session)
	}
}

// RecordingFailed reports err unless it is a rejected call or a dropped tick.
func (n *Notifier) RecordingFailed(err error) {
	if !Alertable(err) {
		return
	}
	cfg := n.cfg.Snapshot()
	session, message := describe(err)

	if cfg.HasLogPath() {
		n.spawn(func() error { return LogError(cfg.LogPath, session, message) }, "Error log", session)
	}
	if n.claim(&n.webhookSent, cfg.HasWebhook()) {
		n.spawn(func() error { return SendErrorWebhook(cfg.WebhookURL, session, message) }, "Error webhook", session)
	}
	if n.claim(&n.emailSent, cfg.HasEmail()) {
		emailCfg := EmailConfigFromSnapshot(&cfg)
		n.spawn(func() error { return SendErrorAlert(emailCfg, session, message) }, "Error email", session)
	}
}

// Wait blocks until every notification in flight has been sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Alertable reports whether err describes a failed recording rather than a
// rejected call or a dropped tick.
func Alertable(err error) bool {
	return err != nil &&
		!errors.Is(err, recorder.ErrIllegalCall) &&
		!errors.Is(err, encoder.ErrQueueFull) &&
		!errors.Is(err, relay.ErrFrameShape)
}

// claim atomically checks and sets an alert flag.
func (n *Notifier) claim(sent *bool, condition bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if *sent || !condition {
		return false
	}
	*sent = true
	return true
}

func (n *Notifier) spawn(fn func() error, kind, session string) {
	n.wg.Go(func() {
		util.NotifyResult(fn, kind, "session", session)
	})
}

func describe(err error) (session, message string) {
	var encErr *recorder.EncoderError
	if errors.As(err, &encErr) {
		return encErr.Session, encErr.Message
	}
	return "", err.Error()
}
