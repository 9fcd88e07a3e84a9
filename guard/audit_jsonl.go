package guard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/smartops/internal/pathutil"
)

const (
	defaultAuditRotateBytes = 100 << 20
	defaultAuditBackups     = 5
	rotatedSuffixLayout     = "20060102T150405.000000000Z"
)

// JSONLAuditSink appends one JSON object per approval event. When the next
// line would push the file past RotateMaxBytes the file is renamed with a
// timestamp suffix and only the newest MaxBackups rotated files are kept.
type JSONLAuditSink struct {
	Path           string
	RotateMaxBytes int64
	MaxBackups     int

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	size int64
}

func NewJSONLAuditSink(path string, rotateMaxBytes int64) (*JSONLAuditSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing jsonl path")
	}
	if rotateMaxBytes <= 0 {
		rotateMaxBytes = defaultAuditRotateBytes
	}
	s := &JSONLAuditSink{
		Path:           path,
		RotateMaxBytes: rotateMaxBytes,
		MaxBackups:     defaultAuditBackups,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLAuditSink) Emit(_ context.Context, e AuditEvent) error {
	if s == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.EventID == "" {
		e.EventID = newEventID(e.ApprovalRequestID, e.Type, e.Timestamp)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("audit sink is closed")
	}
	if s.size > 0 && s.size+int64(len(line)) > s.RotateMaxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.w.Write(line)
	s.size += int64(n)
	if err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *JSONLAuditSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFile()
}

func (s *JSONLAuditSink) open() error {
	if err := pathutil.EnsureParentDir(s.Path, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.size = 0
	if st, err := f.Stat(); err == nil {
		s.size = st.Size()
	}
	s.f = f
	s.w = bufio.NewWriterSize(f, 64<<10)
	return nil
}

func (s *JSONLAuditSink) closeFile() error {
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	err := s.f.Close()
	s.f, s.w, s.size = nil, nil, 0
	if flushErr != nil {
		return flushErr
	}
	return err
}

func (s *JSONLAuditSink) rotate() error {
	_ = s.closeFile()
	rotated := s.Path + "." + time.Now().UTC().Format(rotatedSuffixLayout)
	if err := os.Rename(s.Path, rotated); err == nil {
		s.pruneBackups()
	}
	return s.open()
}

// pruneBackups removes the oldest rotated files beyond MaxBackups. The
// timestamp suffix sorts lexically in time order.
func (s *JSONLAuditSink) pruneBackups() {
	if s.MaxBackups <= 0 {
		return
	}
	matches, err := filepath.Glob(s.Path + ".*")
	if err != nil || len(matches) <= s.MaxBackups {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-s.MaxBackups] {
		_ = os.Remove(old)
	}
}
