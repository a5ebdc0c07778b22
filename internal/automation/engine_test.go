package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"missionctl/internal/events"
	"missionctl/internal/mission"
)

// recordingSubmitter captures submissions and answers with a canned result.
type recordingSubmitter struct {
	mu          sync.Mutex
	submissions []submission
	err         error
}

type submission struct {
	missionID string
	content   string
}

func (s *recordingSubmitter) Submit(missionID, content, modelOverride, backend string, priority int) (*mission.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, submission{missionID: missionID, content: content})
	if s.err != nil {
		return nil, s.err
	}
	return &mission.SubmitResult{MessageID: "msg-fake", MissionID: missionID, Queued: false}, nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

func (s *recordingSubmitter) last(t *testing.T) submission {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submissions) == 0 {
		t.Fatal("no submissions recorded")
	}
	return s.submissions[len(s.submissions)-1]
}

type engineRig struct {
	engine    *Engine
	store     *FileStore
	missions  mission.Store
	submitter *recordingSubmitter
	bus       *events.Bus
	mission   *mission.Mission
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()

	autoStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("automation store: %v", err)
	}
	missionStore, err := mission.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("mission store: %v", err)
	}

	m := &mission.Mission{
		ID:        "mission-1",
		Title:     "Nightly maintenance",
		Status:    mission.StatusPending,
		Backend:   "claudecode",
		SessionID: "sess-old",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := missionStore.CreateMission(m); err != nil {
		t.Fatalf("create mission: %v", err)
	}

	submitter := &recordingSubmitter{}
	bus := events.NewBus()
	libraryDir := t.TempDir()
	engine := NewEngine(autoStore, missionStore, submitter, bus, libraryDir)

	return &engineRig{
		engine:    engine,
		store:     autoStore,
		missions:  missionStore,
		submitter: submitter,
		bus:       bus,
		mission:   m,
	}
}

func (r *engineRig) create(t *testing.T, a *Automation) *Automation {
	t.Helper()
	created, err := r.engine.Create(a)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func inlineAutomation(missionID, template string) *Automation {
	return &Automation{
		MissionID:     missionID,
		CommandSource: CommandSource{Type: CommandInline, Content: template},
		Trigger:       Trigger{Type: TriggerAgentFinished},
		Active:        true,
	}
}

func TestCreateValidatesAndMintsIDs(t *testing.T) {
	rig := newEngineRig(t)

	a := rig.create(t, &Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandInline, Content: "check <webhook.action/>"},
		Trigger:       Trigger{Type: TriggerWebhook},
		Active:        true,
	})
	if a.ID == "" || a.Trigger.WebhookID == "" {
		t.Fatalf("ids not minted: %+v", a)
	}

	// Unknown mission is rejected.
	_, err := rig.engine.Create(inlineAutomation("mission-ghost", "x"))
	if !errors.Is(err, mission.ErrMissionNotFound) {
		t.Fatalf("unknown mission error = %v", err)
	}

	// Invalid trigger is rejected.
	_, err = rig.engine.Create(&Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandInline, Content: "x"},
		Trigger:       Trigger{Type: TriggerInterval},
	})
	if err == nil {
		t.Fatal("interval without seconds should fail validation")
	}
}

func TestFireRendersAndSubmits(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, inlineAutomation("mission-1", "Status report for <mission_name/> (<mission_id/>): <extra/>"))

	exec := rig.engine.Fire(a, SourceManual, map[string]string{"extra": "all green"}, nil)
	if exec == nil || exec.Status != ExecutionSuccess {
		t.Fatalf("execution = %+v, want success", exec)
	}
	if exec.QueuedMessageID != "msg-fake" {
		t.Fatalf("queued message id = %q", exec.QueuedMessageID)
	}

	if len(rig.submitter.submissions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(rig.submitter.submissions))
	}
	got := rig.submitter.submissions[0]
	want := "Status report for Nightly maintenance (mission-1): all green"
	if got.content != want {
		t.Fatalf("submitted content = %q, want %q", got.content, want)
	}

	// The firing updated last_triggered_at.
	reloaded, _ := rig.engine.Get(a.ID)
	if reloaded.LastTriggeredAt == nil {
		t.Fatal("last_triggered_at not recorded")
	}
}

func TestFireRecordsFailureWhenSubmitFails(t *testing.T) {
	rig := newEngineRig(t)
	rig.submitter.err = errors.New("scheduler rejected the message")
	a := rig.create(t, inlineAutomation("mission-1", "retry work"))

	exec := rig.engine.Fire(a, SourceInterval, nil, nil)
	if exec.Status != ExecutionFailed || exec.Error == "" {
		t.Fatalf("execution = %+v, want failed with error", exec)
	}

	// The audit record is persisted in its terminal state.
	records, _ := rig.engine.Executions(a.ID)
	if len(records) != 1 || records[0].Status != ExecutionFailed {
		t.Fatalf("records = %+v", records)
	}
}

func TestFireInactiveAutomation(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, inlineAutomation("mission-1", "x"))

	inactive := false
	if _, err := rig.engine.Update(a.ID, UpdatePatch{Active: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, _ := rig.engine.Get(a.ID)

	// Non-manual sources are silent no-ops.
	if exec := rig.engine.Fire(updated, SourceInterval, nil, nil); exec != nil {
		t.Fatalf("interval fire on inactive = %+v, want nil", exec)
	}
	if len(rig.submitter.submissions) != 0 {
		t.Fatal("inactive automation submitted work")
	}

	// Manual fires leave a skipped audit record.
	exec := rig.engine.Fire(updated, SourceManual, nil, nil)
	if exec == nil || exec.Status != ExecutionSkipped {
		t.Fatalf("manual fire = %+v, want skipped", exec)
	}
}

func TestFireLibraryCommand(t *testing.T) {
	rig := newEngineRig(t)
	if err := os.WriteFile(filepath.Join(rig.engine.libraryDir, "daily-report.md"), []byte("Summarize <mission_name/>"), 0644); err != nil {
		t.Fatalf("write library command: %v", err)
	}

	a := rig.create(t, &Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandLibrary, Name: "daily-report"},
		Trigger:       Trigger{Type: TriggerAgentFinished},
		Active:        true,
	})

	exec := rig.engine.Fire(a, SourceManual, nil, nil)
	if exec.Status != ExecutionSuccess {
		t.Fatalf("execution = %+v", exec)
	}
	if rig.submitter.submissions[0].content != "Summarize Nightly maintenance" {
		t.Fatalf("content = %q", rig.submitter.submissions[0].content)
	}
}

func TestLibraryCommandRejectsPathTraversal(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, &Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandLibrary, Name: "reports"},
		Trigger:       Trigger{Type: TriggerAgentFinished},
		Active:        true,
	})

	// Mutate to a hostile name after creation to exercise the fire-time guard.
	a.CommandSource.Name = "../../etc/passwd"
	exec := rig.engine.Fire(a, SourceManual, nil, nil)
	if exec.Status != ExecutionFailed {
		t.Fatalf("execution = %+v, want failed", exec)
	}
	if len(rig.submitter.submissions) != 0 {
		t.Fatal("traversal name reached the submitter")
	}
}

func TestFreshSessionClearsMissionSession(t *testing.T) {
	rig := newEngineRig(t)
	a := inlineAutomation("mission-1", "start clean")
	a.FreshSession = true
	created := rig.create(t, a)

	rig.engine.Fire(created, SourceManual, nil, nil)

	m, _ := rig.missions.GetMission("mission-1")
	if m.SessionID != "" {
		t.Fatalf("session id = %q, want cleared", m.SessionID)
	}
}

func TestHandleWebhook(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, &Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandInline, Content: "PR <pr/> by <author/>"},
		Trigger: Trigger{
			Type: TriggerWebhook,
			WebhookVariables: map[string]string{
				"pr":     "pull_request.number",
				"author": "pull_request.user.login",
			},
		},
		Active: true,
	})

	payload := map[string]any{
		"pull_request": map[string]any{
			"number": float64(7),
			"user":   map[string]any{"login": "octocat"},
		},
	}

	status, exec := rig.engine.HandleWebhook("mission-1", a.Trigger.WebhookID, payload, nil)
	if status != 200 || exec == nil || exec.Status != ExecutionSuccess {
		t.Fatalf("status = %d, exec = %+v", status, exec)
	}
	if rig.submitter.submissions[0].content != "PR 7 by octocat" {
		t.Fatalf("content = %q", rig.submitter.submissions[0].content)
	}
	if exec.TriggerSource != SourceWebhook {
		t.Fatalf("source = %q", exec.TriggerSource)
	}

	// Unknown webhook id is a plain 404.
	if status, _ := rig.engine.HandleWebhook("mission-1", "nope", nil, nil); status != 404 {
		t.Fatalf("unknown webhook status = %d", status)
	}
	// Wrong mission for a real webhook id is indistinguishable from unknown.
	if status, _ := rig.engine.HandleWebhook("mission-ghost", a.Trigger.WebhookID, nil, nil); status != 404 {
		t.Fatalf("wrong mission status = %d", status)
	}
}

func TestHandleWebhookInactiveIsSilentOK(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, &Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandInline, Content: "x"},
		Trigger:       Trigger{Type: TriggerWebhook},
		Active:        true,
	})
	inactive := false
	rig.engine.Update(a.ID, UpdatePatch{Active: &inactive})

	status, exec := rig.engine.HandleWebhook("mission-1", a.Trigger.WebhookID, nil, nil)
	if status != 200 || exec != nil {
		t.Fatalf("status = %d, exec = %+v; want silent 200", status, exec)
	}
	if len(rig.submitter.submissions) != 0 {
		t.Fatal("inactive webhook submitted work")
	}
}

func TestWebhookFiredVariablesWinOverResolved(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, &Automation{
		MissionID:     "mission-1",
		CommandSource: CommandSource{Type: CommandInline, Content: "<who/>"},
		Trigger: Trigger{
			Type:             TriggerWebhook,
			WebhookVariables: map[string]string{"who": "user"},
		},
		Active: true,
	})

	status, _ := rig.engine.HandleWebhook("mission-1", a.Trigger.WebhookID,
		map[string]any{"user": "from-payload"},
		map[string]string{"who": "from-request"})
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if rig.submitter.submissions[0].content != "from-request" {
		t.Fatalf("content = %q, want fired variable to win", rig.submitter.submissions[0].content)
	}
}

func TestAgentFinishedTriggerFiresOnTerminalEvent(t *testing.T) {
	rig := newEngineRig(t)
	rig.create(t, inlineAutomation("mission-1", "follow up on <mission_name/>"))

	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rig.engine.Stop()

	rig.bus.Publish(events.Event{MissionID: "mission-1", EventType: events.TypeAssistantMessage, Content: "done"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rig.submitter.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rig.submitter.count(); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if got := rig.submitter.last(t); got.content != "follow up on Nightly maintenance" {
		t.Fatalf("content = %q", got.content)
	}

	// Non-terminal events do not fire.
	rig.bus.Publish(events.Event{MissionID: "mission-1", EventType: events.TypeTextDelta, Content: "partial"})
	time.Sleep(100 * time.Millisecond)
	if got := rig.submitter.count(); got != 1 {
		t.Fatalf("submissions = %d after non-terminal event", got)
	}
}

func TestDeleteKeepsExecutionHistoryFiles(t *testing.T) {
	rig := newEngineRig(t)
	a := rig.create(t, inlineAutomation("mission-1", "x"))
	exec := rig.engine.Fire(a, SourceManual, nil, nil)

	if err := rig.engine.Delete(a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := rig.engine.Get(a.ID); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("after delete: %v", err)
	}

	// The audit record file survives the definition's deletion.
	records, err := rig.store.ListExecutions(a.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(records) != 1 || records[0].ID != exec.ID {
		t.Fatalf("records = %+v", records)
	}
}
