package mission

import (
	"errors"
	"testing"
	"time"

	"missionctl/internal/events"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func testMission(id string) *Mission {
	now := time.Now().UTC()
	return &Mission{
		ID:        id,
		Title:     "test mission",
		Status:    StatusPending,
		Backend:   "claudecode",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetMission(t *testing.T) {
	store := newTestStore(t)
	m := testMission("mission-1")

	if err := store.CreateMission(m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	loaded, err := store.GetMission("mission-1")
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	if loaded.Title != m.Title || loaded.Status != StatusPending || loaded.Backend != "claudecode" {
		t.Fatalf("loaded mission mismatch: %+v", loaded)
	}
}

func TestCreateMissionRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateMission(testMission("mission-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := store.CreateMission(testMission("mission-1"))
	if !errors.Is(err, ErrMissionExists) {
		t.Fatalf("second create error = %v, want ErrMissionExists", err)
	}
}

func TestGetMissionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMission("mission-missing")
	if !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("error = %v, want ErrMissionNotFound", err)
	}
}

func TestSaveMissionRequiresExisting(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveMission(testMission("mission-ghost"))
	if !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("error = %v, want ErrMissionNotFound", err)
	}
}

func TestSaveMissionPersistsHistory(t *testing.T) {
	store := newTestStore(t)
	m := testMission("mission-1")
	if err := store.CreateMission(m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	m.History = append(m.History, HistoryEntry{Role: RoleUser, Content: "hello"})
	m.Status = StatusActive
	if err := store.SaveMission(m); err != nil {
		t.Fatalf("SaveMission: %v", err)
	}

	loaded, err := store.GetMission("mission-1")
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	if len(loaded.History) != 1 || loaded.History[0].Content != "hello" {
		t.Fatalf("history not persisted: %+v", loaded.History)
	}
	if loaded.Status != StatusActive {
		t.Fatalf("status = %s, want active", loaded.Status)
	}
}

func TestGetMissionReturnsCopy(t *testing.T) {
	store := newTestStore(t)
	m := testMission("mission-1")
	m.History = []HistoryEntry{{Role: RoleUser, Content: "original"}}
	if err := store.CreateMission(m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	first, _ := store.GetMission("mission-1")
	first.History[0].Content = "mutated"
	first.Title = "mutated"

	second, _ := store.GetMission("mission-1")
	if second.History[0].Content != "original" || second.Title != "test mission" {
		t.Fatalf("cached mission leaked mutation: %+v", second)
	}
}

func TestListMissionsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	older := testMission("mission-old")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testMission("mission-new")

	if err := store.CreateMission(older); err != nil {
		t.Fatalf("create older: %v", err)
	}
	if err := store.CreateMission(newer); err != nil {
		t.Fatalf("create newer: %v", err)
	}

	missions, err := store.ListMissions()
	if err != nil {
		t.Fatalf("ListMissions: %v", err)
	}
	if len(missions) != 2 {
		t.Fatalf("len = %d, want 2", len(missions))
	}
	if missions[0].ID != "mission-new" || missions[1].ID != "mission-old" {
		t.Fatalf("order = %s, %s; want newest first", missions[0].ID, missions[1].ID)
	}
}

func TestDeleteMission(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateMission(testMission("mission-1")); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if err := store.DeleteMission("mission-1"); err != nil {
		t.Fatalf("DeleteMission: %v", err)
	}
	if _, err := store.GetMission("mission-1"); !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("after delete: %v, want ErrMissionNotFound", err)
	}
	if err := store.DeleteMission("mission-1"); !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("double delete: %v, want ErrMissionNotFound", err)
	}
}

func TestEventLogRoundTrip(t *testing.T) {
	store := newTestStore(t)

	for seq := uint64(1); seq <= 5; seq++ {
		err := store.Append(events.Event{
			MissionID: "mission-1",
			Sequence:  seq,
			EventType: events.TypeTextDelta,
			Content:   "chunk",
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", seq, err)
		}
	}

	all, err := store.ReadEvents("mission-1", 0, 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}

	tail, err := store.ReadEvents("mission-1", 3, 0)
	if err != nil {
		t.Fatalf("ReadEvents after 3: %v", err)
	}
	if len(tail) != 2 || tail[0].Sequence != 4 {
		t.Fatalf("tail = %+v, want sequences 4,5", tail)
	}

	limited, err := store.ReadEvents("mission-1", 0, 2)
	if err != nil {
		t.Fatalf("ReadEvents limit 2: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited len = %d, want 2", len(limited))
	}

	last, err := store.LastSequence("mission-1")
	if err != nil {
		t.Fatalf("LastSequence: %v", err)
	}
	if last != 5 {
		t.Fatalf("LastSequence = %d, want 5", last)
	}
}

func TestReadEventsMissingLogIsEmpty(t *testing.T) {
	store := newTestStore(t)
	evts, err := store.ReadEvents("mission-none", 0, 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(evts) != 0 {
		t.Fatalf("len = %d, want 0", len(evts))
	}
}

func TestQueuedMessagePersistence(t *testing.T) {
	store := newTestStore(t)

	first := QueuedMessage{
		ID:         "msg-1",
		MissionID:  "mission-1",
		Content:    "first",
		EnqueuedAt: time.Now().UTC().Add(-time.Minute),
	}
	second := QueuedMessage{
		ID:         "msg-2",
		MissionID:  "mission-1",
		Content:    "second",
		EnqueuedAt: time.Now().UTC(),
	}

	if err := store.SaveQueuedMessage(second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	if err := store.SaveQueuedMessage(first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	msgs, err := store.ListQueuedMessages()
	if err != nil {
		t.Fatalf("ListQueuedMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "msg-1" || msgs[1].ID != "msg-2" {
		t.Fatalf("order = %+v, want oldest first", msgs)
	}

	if err := store.DeleteQueuedMessage("msg-1"); err != nil {
		t.Fatalf("DeleteQueuedMessage: %v", err)
	}
	if err := store.DeleteQueuedMessage("msg-1"); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}

	msgs, _ = store.ListQueuedMessages()
	if len(msgs) != 1 || msgs[0].ID != "msg-2" {
		t.Fatalf("after delete = %+v, want only msg-2", msgs)
	}
}
