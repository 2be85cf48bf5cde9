package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLJournal appends one JSON object per line to a file. Reads re-scan the
// file, so Entries is linear in journal size; suitable for single-node
// deployments where the journal is rotated externally.
type JSONLJournal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewJSONLJournal(path string) (*JSONLJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	return &JSONLJournal{path: path, file: f}, nil
}

func (j *JSONLJournal) Record(_ context.Context, e Entry) error {
	e = withDefaults(e)
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("audit journal %s is closed", j.path)
	}
	_, err = j.file.Write(append(line, '\n'))
	return err
}

func (j *JSONLJournal) Entries(_ context.Context, q Query) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("read audit journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Skip torn lines from a crashed writer rather than failing
			// the whole read.
			continue
		}
		if !q.matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit journal: %w", err)
	}
	return out, nil
}

func (j *JSONLJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
