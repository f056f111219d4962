package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/pkg/log"
)

// Dispatcher fans an inbound event out to all active webhooks of an account.
// Every attempt runs in its own goroutine; Dispatch returns once all attempts
// have settled. Individual failures are recorded, never retried and never
// surfaced to the caller.
type Dispatcher struct {
	source   WebhookSource
	recorder Recorder
	client   *http.Client
	policies policyConfig
}

func NewDispatcher(source WebhookSource, recorder Recorder, fastTimeout time.Duration, fullTimeout time.Duration) *Dispatcher {
	if fastTimeout <= 0 {
		fastTimeout = 5 * time.Second
	}
	if fullTimeout <= 0 {
		fullTimeout = 10 * time.Second
	}
	return &Dispatcher{
		source:   source,
		recorder: recorder,
		client:   &http.Client{},
		policies: policyConfig{fastTimeout: fastTimeout, fullTimeout: fullTimeout},
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, accountID string, ev Event) {
	webhooks, err := d.source.ActiveWebhooks(ctx, accountID)
	if err != nil {
		log.Account(accountID).WithError(err).Error("failed to load active webhooks, event dropped")
		return
	}
	if len(webhooks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, wh := range webhooks {
		wg.Add(1)
		go func(wh storage.Webhook) {
			defer wg.Done()
			d.deliver(ctx, wh, ev)
		}(wh)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, wh storage.Webhook, ev Event) {
	pol := d.policies.classify(wh.URL)

	var body interface{} = ev
	if pol.compact {
		body = ev.compact()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		d.record(wh, storage.DeliveryFailed, err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, pol.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		d.record(wh, storage.DeliveryFailed, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSecret, wh.Secret)
	req.Header.Set(HeaderAccountID, wh.AccountID)

	resp, err := d.client.Do(req)
	if err != nil {
		log.Delivery(wh.AccountID, wh.URL).WithError(err).Warn("webhook delivery failed")
		d.record(wh, storage.DeliveryFailed, err.Error())
		return
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(snippet))
		log.Delivery(wh.AccountID, wh.URL).Warn("webhook delivery rejected: " + detail)
		d.record(wh, storage.DeliveryFailed, detail)
		return
	}

	d.record(wh, storage.DeliverySuccess, "")
}

func (d *Dispatcher) record(wh storage.Webhook, status storage.DeliveryStatus, errMsg string) {
	d.recorder.Record(storage.DeliveryRecord{
		AccountID:    wh.AccountID,
		Direction:    storage.DirectionWebhook,
		Status:       status,
		Destination:  wh.URL,
		ErrorMessage: errMsg,
	})
}
