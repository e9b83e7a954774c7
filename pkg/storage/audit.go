package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

// AuditLog records every routing decision the worker takes. at is the
// decision time on the caller's clock.
type AuditLog interface {
	Record(at time.Time, orderID string, d order.RoutingDecision) error
}

type NopAudit struct{}

func (NopAudit) Record(time.Time, string, order.RoutingDecision) error { return nil }

// FileAudit appends one JSON object per line.
type FileAudit struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileAudit(path string) (*FileAudit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileAudit{f: f}, nil
}

type auditEntry struct {
	Timestamp string                `json:"timestamp"`
	OrderID   string                `json:"orderId"`
	Decision  order.RoutingDecision `json:"decision"`
}

func (a *FileAudit) Record(at time.Time, orderID string, d order.RoutingDecision) error {
	line, err := json.Marshal(auditEntry{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		OrderID:   orderID,
		Decision:  d,
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = fmt.Fprintln(a.f, string(line))
	return err
}

func (a *FileAudit) Close() error { return a.f.Close() }

var _ AuditLog = NopAudit{}
var _ AuditLog = (*FileAudit)(nil)
