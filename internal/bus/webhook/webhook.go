// Package webhook POSTs bus notifications to an HTTP endpoint.
//
// Publish on the bus is synchronous, so the forwarder only enqueues onto a
// buffered channel; a single goroutine delivers in order. A failed delivery
// is retried with a fixed backoff and then dropped.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/snehjoshi/queuegate/internal/bus"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when a secret is set.
const SignatureHeader = "X-Queuegate-Signature"

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Options tune a Forwarder. Zero values pick the defaults.
type Options struct {
	Secret   string
	Buffer   int           // default 256
	Attempts int           // default 3
	Backoff  time.Duration // default 500ms
	Timeout  time.Duration // per request, default 10s
}

// Forwarder delivers notifications to one URL.
type Forwarder struct {
	url    string
	opts   Options
	http   *resty.Client
	queue  chan bus.Notification
	unsub  func()
	cancel context.CancelFunc
	done   chan struct{}
}

// Attach subscribes a forwarder for url to b and starts its delivery loop.
func Attach(url string, b *bus.Bus, opts Options) *Forwarder {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		url:    url,
		opts:   opts,
		http:   resty.New().SetTimeout(opts.Timeout).SetHeader("Content-Type", "application/json"),
		queue:  make(chan bus.Notification, opts.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	f.unsub = b.Subscribe(f.enqueue)
	go f.loop(ctx)
	slog.Info("webhook forwarder attached", "url", url)
	return f
}

func (f *Forwarder) enqueue(n bus.Notification) {
	select {
	case f.queue <- n:
	default:
		slog.Warn("webhook: queue full, dropping notification", "kind", n.Kind)
	}
}

func (f *Forwarder) loop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-f.queue:
			f.send(ctx, n)
		}
	}
}

func (f *Forwarder) send(ctx context.Context, n bus.Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		slog.Warn("webhook: marshal failed", "kind", n.Kind, "err", err)
		return
	}
	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		err = f.post(ctx, body)
		if err == nil {
			return
		}
		slog.Warn("webhook: delivery failed", "kind", n.Kind, "attempt", attempt, "err", err)
		if attempt == f.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.opts.Backoff):
		}
	}
	slog.Error("webhook: giving up on notification", "kind", n.Kind, "url", f.url)
}

// post returns nil only on a 2xx reply.
func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req := f.http.R().SetContext(ctx).SetBody(body)
	if f.opts.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(f.opts.Secret, body))
	}
	resp, err := req.Post(f.url)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", f.url, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode())
	}
	return nil
}

// Close detaches from the bus and stops the delivery loop. Queued
// notifications that were not yet sent are dropped.
func (f *Forwarder) Close() {
	f.unsub()
	f.cancel()
	<-f.done
}
