// SPDX-License-Identifier: Apache-2.0

package saga

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	WorkflowName string           `json:"workflow_name"`
	Status       domain.RunStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	FinishedAt   time.Time        `json:"finished_at"`
}

// notifyTerminal posts the terminal outcome to the configured webhook.
// Delivery is best-effort and never affects the run outcome.
func (o *Orchestrator) notifyTerminal(ctx context.Context, status domain.RunStatus, errText string) {
	webhookURL := strings.TrimSpace(o.webhookURL)
	if webhookURL == "" || o.httpClient == nil {
		return
	}

	body, err := json.Marshal(terminalWebhookPayload{
		WorkflowName: o.workflowName,
		Status:       status,
		Error:        errText,
		FinishedAt:   time.Now().UTC(),
	})
	if err != nil {
		o.logger.Error("webhook payload marshal failed",
			"workflow", o.workflowName,
			"status", status,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(o.webhookSecret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := o.httpClient.Do(req)
		if err != nil {
			lastErr = err
			o.logger.Warn("webhook failure",
				"workflow", o.workflowName,
				"status", status,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				o.logger.Info("webhook delivered",
					"workflow", o.workflowName,
					"status", status,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			o.logger.Warn("webhook failure",
				"workflow", o.workflowName,
				"status", status,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				o.logger.Warn("webhook canceled before retry",
					"workflow", o.workflowName,
					"status", status,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		o.logger.Error("webhook retries exhausted",
			"workflow", o.workflowName,
			"status", status,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
