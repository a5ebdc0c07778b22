package automation

import (
	"errors"
	"testing"
	"time"
)

func newTestAutomationStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func intervalAutomation(id, missionID string) *Automation {
	return &Automation{
		ID:        id,
		MissionID: missionID,
		CommandSource: CommandSource{
			Type:    CommandInline,
			Content: "run checks",
		},
		Trigger:   Trigger{Type: TriggerInterval, IntervalSeconds: 60},
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestAutomationCRUD(t *testing.T) {
	store := newTestAutomationStore(t)
	a := intervalAutomation("auto-1", "mission-1")

	if err := store.CreateAutomation(a); err != nil {
		t.Fatalf("CreateAutomation: %v", err)
	}

	loaded, err := store.GetAutomation("auto-1")
	if err != nil {
		t.Fatalf("GetAutomation: %v", err)
	}
	if loaded.CommandSource.Content != "run checks" || loaded.Trigger.IntervalSeconds != 60 {
		t.Fatalf("loaded = %+v", loaded)
	}

	loaded.Active = false
	if err := store.SaveAutomation(loaded); err != nil {
		t.Fatalf("SaveAutomation: %v", err)
	}
	reloaded, _ := store.GetAutomation("auto-1")
	if reloaded.Active {
		t.Fatal("save did not persist")
	}

	if err := store.DeleteAutomation("auto-1"); err != nil {
		t.Fatalf("DeleteAutomation: %v", err)
	}
	if _, err := store.GetAutomation("auto-1"); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	if err := store.DeleteAutomation("auto-1"); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestSaveAutomationRequiresExisting(t *testing.T) {
	store := newTestAutomationStore(t)
	err := store.SaveAutomation(intervalAutomation("auto-ghost", "mission-1"))
	if !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("error = %v", err)
	}
}

func TestListAutomationsFiltersByMission(t *testing.T) {
	store := newTestAutomationStore(t)

	first := intervalAutomation("auto-1", "mission-a")
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := intervalAutomation("auto-2", "mission-a")
	other := intervalAutomation("auto-3", "mission-b")

	for _, a := range []*Automation{second, first, other} {
		if err := store.CreateAutomation(a); err != nil {
			t.Fatalf("create %s: %v", a.ID, err)
		}
	}

	all, err := store.ListAutomations("")
	if err != nil {
		t.Fatalf("ListAutomations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	filtered, err := store.ListAutomations("mission-a")
	if err != nil {
		t.Fatalf("ListAutomations(mission-a): %v", err)
	}
	if len(filtered) != 2 || filtered[0].ID != "auto-1" || filtered[1].ID != "auto-2" {
		t.Fatalf("filtered = %+v, want oldest first", filtered)
	}
}

func TestFindByWebhook(t *testing.T) {
	store := newTestAutomationStore(t)

	hook := intervalAutomation("auto-1", "mission-a")
	hook.Trigger = Trigger{Type: TriggerWebhook, WebhookID: "2fUZjIampqE8S6aVUxsonvmQxyz"}
	if err := store.CreateAutomation(hook); err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := store.FindByWebhook("mission-a", "2fUZjIampqE8S6aVUxsonvmQxyz")
	if err != nil {
		t.Fatalf("FindByWebhook: %v", err)
	}
	if found.ID != "auto-1" {
		t.Fatalf("found = %s", found.ID)
	}

	// Wrong webhook id and wrong mission are equally not found.
	if _, err := store.FindByWebhook("mission-a", "wrong"); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("wrong webhook: %v", err)
	}
	if _, err := store.FindByWebhook("mission-b", "2fUZjIampqE8S6aVUxsonvmQxyz"); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("wrong mission: %v", err)
	}
}

func TestExecutionRecordsNewestFirst(t *testing.T) {
	store := newTestAutomationStore(t)

	older := &Execution{
		ID:           "exec-1",
		AutomationID: "auto-1",
		TriggeredAt:  time.Now().UTC().Add(-time.Hour),
		Status:       ExecutionSuccess,
	}
	newer := &Execution{
		ID:           "exec-2",
		AutomationID: "auto-1",
		TriggeredAt:  time.Now().UTC(),
		Status:       ExecutionPending,
	}
	foreign := &Execution{
		ID:           "exec-3",
		AutomationID: "auto-other",
		TriggeredAt:  time.Now().UTC(),
	}

	for _, e := range []*Execution{older, newer, foreign} {
		if err := store.CreateExecution(e); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}

	// Pending -> terminal update in place.
	newer.Status = ExecutionFailed
	newer.Error = "submission failed"
	if err := store.SaveExecution(newer); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	records, err := store.ListExecutions("auto-1")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].ID != "exec-2" || records[1].ID != "exec-1" {
		t.Fatalf("order = %s, %s; want newest first", records[0].ID, records[1].ID)
	}
	if records[0].Status != ExecutionFailed || records[0].Error != "submission failed" {
		t.Fatalf("updated record = %+v", records[0])
	}
}
