package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"loanLedger/internal/model"
)

// JSONLArchive appends persisted events to a JSONL file as an audit trail.
type JSONLArchive struct {
	path string
	mu   sync.Mutex
}

func NewJSONLArchive(path string) *JSONLArchive {
	return &JSONLArchive{path: path}
}

type archiveLine struct {
	Event   string      `json:"event"`
	Key     string      `json:"key"`
	Payload model.Event `json:"payload"`
}

// Append writes events as JSON lines.
func (s *JSONLArchive) Append(events []model.Event) error {
	if s == nil || len(events) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, event := range events {
		meta := event.Meta()
		line, err := json.Marshal(archiveLine{Event: meta.Event, Key: meta.Key().String(), Payload: event})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}

	return nil
}
