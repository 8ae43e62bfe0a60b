package invoiceflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileAuditSink writes one newline-delimited JSON file per run. Events that
// arrive before a run exists, such as rejected start requests, go to
// _unassigned.jsonl.
type FileAuditSink struct {
	directory string
	mutex     sync.Mutex
}

func NewFileAuditSink(directory string) *FileAuditSink {
	return &FileAuditSink{directory: directory}
}

func (s *FileAuditSink) path(runID string) string {
	if runID == "" {
		runID = "_unassigned"
	}
	return filepath.Join(s.directory, runID+".jsonl")
}

func (s *FileAuditSink) Record(ctx context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := os.MkdirAll(s.directory, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(event.RunID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileAuditSink) History(ctx context.Context, runID string) ([]*AuditEvent, error) {
	f, err := os.Open(s.path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []*AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, scanner.Err()
}
