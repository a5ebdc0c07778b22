package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"missionctl/internal/utils"
)

var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrExecutionNotFound  = errors.New("execution not found")
)

const (
	automationsDir = "automations"
	executionsDir  = "executions"
)

// FileStore persists automations and execution audit records as one JSON
// document each.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	logger  *utils.Logger
}

// NewFileStore creates the store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory must not be empty")
	}
	for _, sub := range []string{automationsDir, executionsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  utils.NewComponentLogger("AutomationStore"),
	}, nil
}

func (s *FileStore) automationPath(id string) string {
	return filepath.Join(s.baseDir, automationsDir, id+".json")
}

func (s *FileStore) executionPath(id string) string {
	return filepath.Join(s.baseDir, executionsDir, id+".json")
}

// CreateAutomation writes a new automation; fails when the id exists.
func (s *FileStore) CreateAutomation(a *Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal automation %s: %w", a.ID, err)
	}
	file, err := os.OpenFile(s.automationPath(a.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create automation %s: %w", a.ID, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write automation %s: %w", a.ID, err)
	}
	return nil
}

// GetAutomation loads one automation.
func (s *FileStore) GetAutomation(id string) (*Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAutomationLocked(id)
}

func (s *FileStore) loadAutomationLocked(id string) (*Automation, error) {
	data, err := os.ReadFile(s.automationPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAutomationNotFound, id)
		}
		return nil, fmt.Errorf("read automation %s: %w", id, err)
	}
	var a Automation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse automation %s: %w", id, err)
	}
	return &a, nil
}

// SaveAutomation overwrites an existing automation.
func (s *FileStore) SaveAutomation(a *Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.automationPath(a.ID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrAutomationNotFound, a.ID)
		}
		return fmt.Errorf("stat automation %s: %w", a.ID, err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal automation %s: %w", a.ID, err)
	}
	if err := os.WriteFile(s.automationPath(a.ID), data, 0644); err != nil {
		return fmt.Errorf("write automation %s: %w", a.ID, err)
	}
	return nil
}

// DeleteAutomation removes an automation definition. Its execution records
// remain as audit history.
func (s *FileStore) DeleteAutomation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.automationPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrAutomationNotFound, id)
		}
		return fmt.Errorf("delete automation %s: %w", id, err)
	}
	return nil
}

// ListAutomations returns all automations, optionally filtered by mission,
// oldest first.
func (s *FileStore) ListAutomations(missionID string) ([]*Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, automationsDir))
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}

	var out []*Automation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		a, err := s.loadAutomationLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable automation file %s: %v", entry.Name(), err)
			continue
		}
		if missionID != "" && a.MissionID != missionID {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// FindByWebhook locates the automation owning a webhook id within a mission.
// The caller must not distinguish "unknown mission" from "unknown webhook"
// in its response; both are a plain not-found.
func (s *FileStore) FindByWebhook(missionID, webhookID string) (*Automation, error) {
	all, err := s.ListAutomations(missionID)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if a.Trigger.Type == TriggerWebhook && a.Trigger.WebhookID == webhookID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: webhook %s", ErrAutomationNotFound, webhookID)
}

// CreateExecution writes a new audit record.
func (s *FileStore) CreateExecution(e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeExecutionLocked(e)
}

// SaveExecution updates an audit record in place (pending -> terminal).
func (s *FileStore) SaveExecution(e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeExecutionLocked(e)
}

func (s *FileStore) writeExecutionLocked(e *Execution) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	if err := os.WriteFile(s.executionPath(e.ID), data, 0644); err != nil {
		return fmt.Errorf("write execution %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns the audit records for one automation, newest first.
func (s *FileStore) ListExecutions(automationID string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, executionsDir))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	var out []*Execution
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, executionsDir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable execution file %s: %v", entry.Name(), err)
			continue
		}
		var e Execution
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("Skipping corrupt execution file %s: %v", entry.Name(), err)
			continue
		}
		if e.AutomationID != automationID {
			continue
		}
		out = append(out, &e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out, nil
}
