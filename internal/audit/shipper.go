// Package audit routes recorded log entries to external destinations. The
// database is the source of truth for the audit trail; shippers exist so a
// copy of every entry can also reach a SIEM, a log aggregator, or a flat file
// with its own retention, independently of the application's logging pipeline.
// Multiple simultaneous destinations are supported through MultiShipper, and
// ShippingStore decorates an auditlog.Store so shipping happens on the same
// path as persistence.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/changetrail/changetrail/internal/safego"
	"github.com/changetrail/changetrail/internal/telemetry"
	"github.com/changetrail/changetrail/pkg/auditlog"
)

// Shipper delivers audit entries to a destination.
type Shipper interface {
	// Ship sends one entry. Implementations may buffer.
	Ship(ctx context.Context, entry *auditlog.Entry) error
	// Close flushes buffers and releases resources.
	Close() error
}

// ShipperConfig selects and configures one shipper destination.
type ShipperConfig struct {
	Enabled bool           `mapstructure:"enabled" json:"enabled"`
	Type    string         `mapstructure:"type" json:"type"`
	Webhook *WebhookConfig `mapstructure:"webhook" json:"webhook,omitempty"`
	File    *FileConfig    `mapstructure:"file" json:"file,omitempty"`
}

// WebhookConfig holds webhook shipper configuration.
type WebhookConfig struct {
	URL     string            `mapstructure:"url" json:"url"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" json:"timeout"`
	// BatchSize is how many entries to collect before sending (0 = no batching).
	BatchSize     int           `mapstructure:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" json:"flush_interval"`
}

// FileConfig holds file shipper configuration.
type FileConfig struct {
	Path string `mapstructure:"path" json:"path"`
	// MaxSizeMB is the file size threshold that triggers rotation.
	MaxSizeMB  int `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups" json:"max_backups"`
}

// MultiShipper fans one entry out to every configured destination.
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper builds a shipper for every enabled config.
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]Shipper, 0),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Ship sends an entry to all destinations. A failing destination does not
// stop delivery to the others; the last error is returned.
func (ms *MultiShipper) Ship(ctx context.Context, entry *auditlog.Entry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			lastErr = err
			slog.Error("audit shipper failed", "error", err)
		}
	}
	return lastErr
}

// Close closes all destinations.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ShippingStore decorates an auditlog.Store so every saved entry is also
// shipped. Persistence comes first; a shipping failure is logged but never
// fails the save, since the database row is the authoritative record.
type ShippingStore struct {
	store   auditlog.Store
	shipper Shipper
}

// NewShippingStore wraps store so saved entries are forwarded to shipper.
func NewShippingStore(store auditlog.Store, shipper Shipper) *ShippingStore {
	return &ShippingStore{store: store, shipper: shipper}
}

// Save implements auditlog.Store.
func (s *ShippingStore) Save(ctx context.Context, entry *auditlog.Entry) error {
	if err := s.store.Save(ctx, entry); err != nil {
		return err
	}
	telemetry.AuditEntriesRecordedTotal.WithLabelValues(entry.Resource, entry.Action.String()).Inc()
	if err := s.shipper.Ship(ctx, entry); err != nil {
		slog.Error("failed to ship audit entry",
			"entry_id", entry.ID,
			"resource", entry.Resource,
			"error", err)
		return nil
	}
	telemetry.AuditEntriesShippedTotal.Inc()
	return nil
}

// WebhookShipper posts entries to an HTTP endpoint, optionally batched.
type WebhookShipper struct {
	cfg       *WebhookConfig
	client    *http.Client
	batchCh   chan *auditlog.Entry
	batch     []*auditlog.Entry
	batchMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper.
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ws := &WebhookShipper{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		batchCh: make(chan *auditlog.Entry, 1000),
		batch:   make([]*auditlog.Entry, 0),
		closeCh: make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		safego.Go(ws.processBatches)
	}

	return ws, nil
}

func (ws *WebhookShipper) processBatches() {
	flushInterval := ws.cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, entry)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			if len(ws.batch) > 0 {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			ws.batchMu.Lock()
			if len(ws.batch) > 0 {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the current batch. Callers hold batchMu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		ws.batch = ws.batch[:0]
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.client.Timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		slog.Error("failed to send audit batch", "size", len(ws.batch), "error", err)
	}

	ws.batch = ws.batch[:0]
}

// Ship queues the entry when batching is enabled, otherwise posts it
// immediately. A full queue falls back to a direct send.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *auditlog.Entry) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.batchCh <- entry:
			return nil
		default:
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	return ws.sendRequest(ctx, data)
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Close stops the batch processor after a final flush.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	return nil
}

// FileShipper appends entries to a local file as JSON lines.
type FileShipper struct {
	cfg  *FileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper.
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship writes one entry as a JSON line, rotating first when the file has
// grown past the configured threshold.
func (fs *FileShipper) Ship(ctx context.Context, entry *auditlog.Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log file", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}

// rotate shifts existing backups up by one and reopens a fresh file.
// Callers hold mu.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i)
		newPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i+1)
		_ = os.Rename(oldPath, newPath)
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")

	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	fs.file = file
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
