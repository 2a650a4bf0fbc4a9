package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/model"
)

const (
	defaultMaxAuditSize = 100 * 1024 * 1024
	auditExtension      = ".jsonl"
	auditArchiveDir     = "archive"
)

// AuditEntry is one line of the append-only dispatch audit log.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	MessageID string         `json:"message_id"`
	Source    string         `json:"source,omitempty"`
	Priority  string         `json:"priority"`
	RequestID string         `json:"request_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AuditLog appends every dispatched message to a JSONL file, rotating to
// an archive directory when the file exceeds maxSize. Install it with
// Bus.Tap so it sees messages in dispatch order.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	maxSize  int64
	path     string
	rotation int
}

func NewAuditLog(path string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxAuditSize
	}
	a := &AuditLog{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) open() error {
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = file
	a.size = stat.Size()
	return nil
}

// Record appends one dispatched message. Errors are returned, not fatal;
// the caller decides whether audit failures should stop anything.
func (a *AuditLog) Record(msg model.Message) error {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		EventType: msg.Type,
		MessageID: msg.ID,
		Source:    msg.Source,
		Priority:  msg.Priority.String(),
		RequestID: msg.RequestID,
		Payload:   msg.Payload,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size+int64(len(data)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := a.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	a.size += int64(n)
	return nil
}

func (a *AuditLog) rotate() error {
	if err := a.file.Close(); err != nil {
		return err
	}

	archiveDir := filepath.Join(filepath.Dir(a.path), auditArchiveDir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}

	a.rotation++
	base := filepath.Base(a.path)
	stem := base[:len(base)-len(auditExtension)]
	name := fmt.Sprintf("%s.%s.%d%s",
		stem, time.Now().Format("20060102_150405"), a.rotation, auditExtension)
	if err := os.Rename(a.path, filepath.Join(archiveDir, name)); err != nil {
		return err
	}

	return a.open()
}

func (a *AuditLog) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}
