package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dohr-michael/oxide/internal/events"
)

// NodeLog is the journal file for events not tied to a task.
const NodeLog = "_node.jsonl"

// ErrInvalidTaskID is returned for task ids that cannot name a journal file.
var ErrInvalidTaskID = errors.New("invalid task id for journal")

// Journal persists bus events to JSONL files, one per task.
type Journal struct {
	dir         string
	mu          sync.Mutex
	unsubscribe func()
}

// NewJournal creates a Journal that subscribes to all bus events and writes
// them as JSONL to dir.
func NewJournal(dir string, bus *events.Bus) *Journal {
	j := &Journal{dir: dir}
	j.unsubscribe = bus.Subscribe(j.handleEvent)
	return j
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// Close unsubscribes the journal from the event bus.
func (j *Journal) Close() {
	if j.unsubscribe != nil {
		j.unsubscribe()
	}
}

func (j *Journal) handleEvent(e events.Event) {
	if err := j.writeEvent(e); err != nil {
		slog.Warn("journal write failed", "event", e.Type, "task", e.TaskID, "error", err)
	}
}

func (j *Journal) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path, err := j.logPath(e.TaskID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (j *Journal) logPath(taskID string) (string, error) {
	if taskID == "" {
		return filepath.Join(j.dir, NodeLog), nil
	}
	if strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return filepath.Join(j.dir, taskID+".jsonl"), nil
}

// Read returns the journaled events of taskID in write order. An empty
// taskID reads the node log. A task with no journal yields no events.
func (j *Journal) Read(taskID string) ([]events.Event, error) {
	path, err := j.logPath(taskID)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return out, fmt.Errorf("decode journal line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// Remove deletes the journal of taskID.
func (j *Journal) Remove(taskID string) error {
	path, err := j.logPath(taskID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
