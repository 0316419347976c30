package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Broadcaster fans realtime notifications out to subscribers of a channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, msg []byte) error
}

type DispatcherConfig struct {
	// Secret signs outbound webhook bodies when set.
	Secret  string
	Timeout time.Duration
	Block   time.Duration
}

// Dispatcher drains the outbox: it POSTs terminal events to the job's
// webhookUrl and publishes every event to the workspace's realtime channel.
type Dispatcher struct {
	q      Queue
	bc     Broadcaster
	client *http.Client
	cfg    DispatcherConfig
	log    *zap.Logger
}

func NewDispatcher(q Queue, bc Broadcaster, client *http.Client, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Dispatcher{q: q, bc: bc, client: client, cfg: cfg, log: log}
}

// Run consumes events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		e, ok, err := d.q.Pop(ctx, d.cfg.Block)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.log.Warn("outbox pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.Block):
			}
			continue
		}
		if ok {
			d.Handle(ctx, e)
		}
	}
}

// Handle delivers one event. Failures are logged and never returned.
func (d *Dispatcher) Handle(ctx context.Context, e Event) {
	body, err := e.Marshal()
	if err != nil {
		d.log.Error("encode event", zap.String("job_id", e.JobID), zap.Error(err))
		return
	}
	if d.bc != nil {
		if err := d.bc.Publish(ctx, e.Channel(), body); err != nil {
			d.log.Warn("realtime publish failed", zap.String("job_id", e.JobID), zap.Error(err))
		}
	}
	if e.Deliverable() {
		if err := d.deliver(ctx, e.WebhookURL, body); err != nil {
			d.log.Warn("webhook delivery failed",
				zap.String("job_id", e.JobID),
				zap.String("status", string(e.Status)),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		req.Header.Set("x-webhook-signature", "sha256="+Sign(d.cfg.Secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
