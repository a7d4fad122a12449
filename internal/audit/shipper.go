package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/emetrics/emetrics-backend/internal/safego"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
)

// Shipper types.
const (
	TypeFile    = "file"
	TypeWebhook = "webhook"
)

// Shipper delivers audit events to one destination.
type Shipper interface {
	Ship(ctx context.Context, e *Event) error
	Close() error
}

// FileConfig configures a FileShipper.
type FileConfig struct {
	Path string
	// MaxSizeMB rotates the file once it grows past this size; 0 disables rotation.
	MaxSizeMB  int
	MaxBackups int
}

// WebhookConfig configures a WebhookShipper.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize > 0 queues events and posts them as JSON arrays.
	BatchSize     int
	FlushInterval time.Duration
}

// Config selects the enabled shippers. An empty FileConfig.Path or
// WebhookConfig.URL disables that shipper.
type Config struct {
	Enabled bool
	File    FileConfig
	Webhook WebhookConfig
}

// New builds the shippers enabled by cfg. It returns nil, nil when auditing
// is disabled; Emit treats a nil shipper as a sink.
func New(cfg Config) (Shipper, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var shippers []Shipper
	if cfg.File.Path != "" {
		fs, err := NewFileShipper(cfg.File)
		if err != nil {
			return nil, err
		}
		shippers = append(shippers, fs)
	}
	if cfg.Webhook.URL != "" {
		shippers = append(shippers, NewWebhookShipper(cfg.Webhook))
	}
	if len(shippers) == 0 {
		return nil, errors.New("audit is enabled but neither audit.file.path nor audit.webhook.url is set")
	}
	return NewMultiShipper(shippers...), nil
}

// MultiShipper fans an event out to several shippers.
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper combines shippers.
func NewMultiShipper(shippers ...Shipper) *MultiShipper {
	return &MultiShipper{shippers: shippers}
}

// Ship delivers e to every shipper, continuing past failures, and returns
// the failures joined.
func (ms *MultiShipper) Ship(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every shipper.
func (ms *MultiShipper) Close() error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileShipper appends events as JSON lines.
type FileShipper struct {
	cfg  FileConfig
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the audit file.
func NewFileShipper(cfg FileConfig) (*FileShipper, error) {
	f, err := openAppend(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &FileShipper{cfg: cfg, file: f}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return f, nil
}

// Ship writes one line.
func (fs *FileShipper) Ship(_ context.Context, e *Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size() >= int64(fs.cfg.MaxSizeMB)<<20 {
			if err := fs.rotate(); err != nil {
				telemetry.AuditShipFailuresTotal.WithLabelValues(TypeFile).Inc()
				return fmt.Errorf("failed to rotate audit file: %w", err)
			}
		}
	}

	if _, err := fs.file.Write(append(line, '\n')); err != nil {
		telemetry.AuditShipFailuresTotal.WithLabelValues(TypeFile).Inc()
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and opens a
// fresh one. Backups beyond MaxBackups are removed.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	path := fs.cfg.Path
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", path, fs.cfg.MaxBackups))
		for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
		}
		_ = os.Rename(path, path+".1")
	} else {
		_ = os.Remove(path)
	}

	f, err := openAppend(path)
	if err != nil {
		return err
	}
	fs.file = f
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// WebhookShipper POSTs events to an HTTP endpoint. With batching enabled,
// events are queued and posted by a background worker; when the queue is
// full the event is dropped and counted.
type WebhookShipper struct {
	cfg    WebhookConfig
	client *http.Client

	queue     chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

const webhookQueueSize = 1000

// NewWebhookShipper creates a webhook shipper and, when batching, starts its worker.
func NewWebhookShipper(cfg WebhookConfig) *WebhookShipper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	ws := &WebhookShipper{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		done:   make(chan struct{}),
	}
	if cfg.BatchSize > 0 {
		ws.queue = make(chan *Event, webhookQueueSize)
		safego.Go("audit-webhook", ws.run)
	} else {
		close(ws.done)
	}
	return ws
}

// Ship queues e when batching, otherwise posts it immediately.
func (ws *WebhookShipper) Ship(ctx context.Context, e *Event) error {
	if ws.queue == nil {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		return ws.post(ctx, body)
	}
	select {
	case ws.queue <- e:
		return nil
	default:
		telemetry.AuditShipFailuresTotal.WithLabelValues(TypeWebhook).Inc()
		return errors.New("audit webhook queue is full, event dropped")
	}
}

func (ws *WebhookShipper) run() {
	defer close(ws.done)

	ticker := time.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, ws.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ws.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-ws.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= ws.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (ws *WebhookShipper) flush(batch []*Event) {
	body, err := json.Marshal(batch)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
		err = ws.post(ctx, body)
		cancel()
	}
	if err != nil {
		slog.Warn("failed to deliver audit batch", "events", len(batch), "error", err)
	}
}

func (ws *WebhookShipper) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		telemetry.AuditShipFailuresTotal.WithLabelValues(TypeWebhook).Inc()
		return fmt.Errorf("failed to send audit webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		telemetry.AuditShipFailuresTotal.WithLabelValues(TypeWebhook).Inc()
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes queued events and stops the worker. Ship must not be called
// after Close.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		if ws.queue != nil {
			close(ws.queue)
		}
	})
	<-ws.done
	return nil
}
