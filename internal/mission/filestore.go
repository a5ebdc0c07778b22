package mission

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"missionctl/internal/events"
	"missionctl/internal/utils"
)

const (
	missionsDir = "missions"
	eventsDir   = "events"
	queueDir    = "queue"

	missionCacheSize = 512
	missionCacheTTL  = 30 * time.Minute
)

// FileStore persists missions as one JSON document per mission, the event
// log as one JSONL file per mission, and queued messages as one JSON file
// per message. A small expirable LRU fronts mission reads.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	cache   *lru.LRU[string, *Mission]
	logger  *utils.Logger
}

// NewFileStore creates the store rooted at baseDir, creating subdirectories
// as needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory must not be empty")
	}
	for _, sub := range []string{missionsDir, eventsDir, queueDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}

	return &FileStore{
		baseDir: baseDir,
		cache:   lru.NewLRU[string, *Mission](missionCacheSize, nil, missionCacheTTL),
		logger:  utils.NewComponentLogger("MissionStore"),
	}, nil
}

func (s *FileStore) missionPath(id string) string {
	return filepath.Join(s.baseDir, missionsDir, id+".json")
}

func (s *FileStore) eventsPath(missionID string) string {
	return filepath.Join(s.baseDir, eventsDir, missionID+".jsonl")
}

func (s *FileStore) queuePath(id string) string {
	return filepath.Join(s.baseDir, queueDir, id+".json")
}

// CreateMission writes a new mission record; fails if the id already exists.
func (s *FileStore) CreateMission(m *Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mission %s: %w", m.ID, err)
	}

	file, err := os.OpenFile(s.missionPath(m.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrMissionExists, m.ID)
		}
		return fmt.Errorf("create mission %s: %w", m.ID, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write mission %s: %w", m.ID, err)
	}
	s.cache.Add(m.ID, cloneMission(m))
	return nil
}

// GetMission loads one mission, from cache when fresh.
func (s *FileStore) GetMission(id string) (*Mission, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cloneMission(cached), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadMissionLocked(id)
}

func (s *FileStore) loadMissionLocked(id string) (*Mission, error) {
	data, err := os.ReadFile(s.missionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
		}
		return nil, fmt.Errorf("read mission %s: %w", id, err)
	}

	var m Mission
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mission %s: %w", id, err)
	}
	s.cache.Add(id, cloneMission(&m))
	return &m, nil
}

// SaveMission overwrites an existing mission record.
func (s *FileStore) SaveMission(m *Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.missionPath(m.ID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissionNotFound, m.ID)
		}
		return fmt.Errorf("stat mission %s: %w", m.ID, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mission %s: %w", m.ID, err)
	}
	if err := os.WriteFile(s.missionPath(m.ID), data, 0644); err != nil {
		return fmt.Errorf("write mission %s: %w", m.ID, err)
	}
	s.cache.Add(m.ID, cloneMission(m))
	return nil
}

// ListMissions returns all missions sorted newest first.
func (s *FileStore) ListMissions() ([]*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, missionsDir))
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}

	missions := make([]*Mission, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		m, err := s.loadMissionLocked(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable mission file %s: %v", entry.Name(), err)
			continue
		}
		missions = append(missions, m)
	}

	sort.Slice(missions, func(i, j int) bool {
		return missions[i].CreatedAt.After(missions[j].CreatedAt)
	})
	return missions, nil
}

// DeleteMission removes the mission record and invalidates the cache. The
// event log is removed separately via DeleteEvents.
func (s *FileStore) DeleteMission(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.missionPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissionNotFound, id)
		}
		return fmt.Errorf("delete mission %s: %w", id, err)
	}
	s.cache.Remove(id)
	return nil
}

// Append writes one event to the mission's JSONL log.
func (s *FileStore) Append(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s/%d: %w", event.MissionID, event.Sequence, err)
	}

	file, err := os.OpenFile(s.eventsPath(event.MissionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open event log for %s: %w", event.MissionID, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event %s/%d: %w", event.MissionID, event.Sequence, err)
	}
	return nil
}

// ReadEvents scans the JSONL log for events after the given sequence.
func (s *FileStore) ReadEvents(missionID string, afterSequence uint64, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.eventsPath(missionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log for %s: %w", missionID, err)
	}
	defer func() { _ = file.Close() }()

	var out []events.Event
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event events.Event
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("Skipping corrupt event line for %s: %v", missionID, err)
			continue
		}
		if event.Sequence <= afterSequence {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan event log for %s: %w", missionID, err)
	}
	return out, nil
}

// LastSequence returns the highest sequence in the persisted log.
func (s *FileStore) LastSequence(missionID string) (uint64, error) {
	all, err := s.ReadEvents(missionID, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Sequence, nil
}

// DeleteEvents removes a mission's event log file.
func (s *FileStore) DeleteEvents(missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.eventsPath(missionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete event log for %s: %w", missionID, err)
	}
	return nil
}

// SaveQueuedMessage persists a pending message so queues survive a restart.
func (s *FileStore) SaveQueuedMessage(msg QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queued message %s: %w", msg.ID, err)
	}
	if err := os.WriteFile(s.queuePath(msg.ID), data, 0644); err != nil {
		return fmt.Errorf("write queued message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteQueuedMessage removes a persisted message after its turn completes.
func (s *FileStore) DeleteQueuedMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.queuePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete queued message %s: %w", id, err)
	}
	return nil
}

// ListQueuedMessages returns surviving messages ordered by enqueue time.
func (s *FileStore) ListQueuedMessages() ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, queueDir))
	if err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}

	var msgs []QueuedMessage
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, queueDir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable queue file %s: %v", entry.Name(), err)
			continue
		}
		var msg QueuedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Skipping corrupt queue file %s: %v", entry.Name(), err)
			continue
		}
		msgs = append(msgs, msg)
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].EnqueuedAt.Before(msgs[j].EnqueuedAt)
	})
	return msgs, nil
}

func cloneMission(m *Mission) *Mission {
	cp := *m
	cp.History = append([]HistoryEntry(nil), m.History...)
	if m.InterruptedAt != nil {
		t := *m.InterruptedAt
		cp.InterruptedAt = &t
	}
	return &cp
}
