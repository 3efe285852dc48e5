package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const webhookTimeout = 10 * time.Second

// SendCompleteWebhook posts a finished recording to the webhook URL.
func SendCompleteWebhook(webhookURL string, a types.Artifact) error {
	return sendWebhook(webhookURL, map[string]any{
		"event":        "recording_complete",
		"session":      a.Session,
		"encoding":     a.Encoding,
		"mime_type":    a.MimeType,
		"path":         a.Path,
		"size":         a.Size,
		"duration_sec": util.Seconds(a.Duration),
		"timestamp":    util.RFC3339Now(),
	})
}

// SendErrorWebhook posts a failed recording to the webhook URL.
func SendErrorWebhook(webhookURL, session, message string) error {
	return sendWebhook(webhookURL, map[string]any{
		"event":     "recording_failed",
		"session":   session,
		"error":     message,
		"timestamp": util.RFC3339Now(),
	})
}

// SendTestWebhook sends a test POST request to verify webhook configuration.
func SendTestWebhook(webhookURL string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, map[string]any{
		"event":     "test",
		"message":   "This is a test notification from ZuidWest FM Recorder",
		"timestamp": util.RFC3339Now(),
	})
}

func sendWebhook(webhookURL string, payload map[string]any) error {
	if !util.IsConfigured(webhookURL) {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
