// Package automation implements standing triggers that re-submit templated
// messages to missions: interval timers, webhook receivers, and
// completion-chained triggers, with an append-only execution audit log.
package automation

import (
	"fmt"
	"time"
)

// TriggerType discriminates how an automation fires.
type TriggerType string

const (
	TriggerInterval      TriggerType = "interval"
	TriggerWebhook       TriggerType = "webhook"
	TriggerAgentFinished TriggerType = "agent_finished"
)

var validTriggerTypes = map[TriggerType]bool{
	TriggerInterval:      true,
	TriggerWebhook:       true,
	TriggerAgentFinished: true,
}

// Trigger defines when an automation fires. Webhook triggers carry a
// generated unguessable id; its secrecy is the whole authentication story
// for the webhook URL (an intentional trust boundary, not an oversight).
type Trigger struct {
	Type            TriggerType `json:"type"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	WebhookID       string      `json:"webhook_id,omitempty"`
	// WebhookVariables maps variable names to dot paths into the webhook
	// payload, resolved at fire time.
	WebhookVariables map[string]string `json:"webhook_variables,omitempty"`
}

// CommandSourceType discriminates where the prompt template comes from.
type CommandSourceType string

const (
	CommandInline  CommandSourceType = "inline"
	CommandLibrary CommandSourceType = "library"
)

// CommandSource is the templated prompt an automation submits.
type CommandSource struct {
	Type CommandSourceType `json:"type"`
	// Content holds the template for inline sources.
	Content string `json:"content,omitempty"`
	// Name identifies a library command file for library sources.
	Name string `json:"name,omitempty"`
}

// Automation is a mission-scoped trigger definition.
type Automation struct {
	ID              string            `json:"id"`
	MissionID       string            `json:"mission_id"`
	CommandSource   CommandSource     `json:"command_source"`
	Trigger         Trigger           `json:"trigger"`
	Variables       map[string]string `json:"variables,omitempty"`
	Active          bool              `json:"active"`
	FreshSession    bool              `json:"fresh_session,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
}

// Validate checks structural invariants at creation and update time.
func (a *Automation) Validate() error {
	if a.MissionID == "" {
		return fmt.Errorf("automation requires a mission id")
	}
	if !validTriggerTypes[a.Trigger.Type] {
		return fmt.Errorf("unknown trigger type %q", a.Trigger.Type)
	}
	if a.Trigger.Type == TriggerInterval && a.Trigger.IntervalSeconds < 1 {
		return fmt.Errorf("interval trigger requires interval_seconds >= 1")
	}
	switch a.CommandSource.Type {
	case CommandInline:
		if a.CommandSource.Content == "" {
			return fmt.Errorf("inline command source requires content")
		}
	case CommandLibrary:
		if a.CommandSource.Name == "" {
			return fmt.Errorf("library command source requires a name")
		}
	default:
		return fmt.Errorf("unknown command source type %q", a.CommandSource.Type)
	}
	return nil
}

// ExecutionStatus is the lifecycle of one firing.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// TriggerSource records what caused a firing.
const (
	SourceInterval      = "interval"
	SourceWebhook       = "webhook"
	SourceAgentFinished = "agent_finished"
	SourceManual        = "manual"
)

// Execution is one append-only audit record per firing. It is written with
// status pending before scheduling so the audit trail exists even when
// submission fails.
type Execution struct {
	ID              string            `json:"id"`
	AutomationID    string            `json:"automation_id"`
	MissionID       string            `json:"mission_id"`
	TriggeredAt     time.Time         `json:"triggered_at"`
	TriggerSource   string            `json:"trigger_source"`
	Status          ExecutionStatus   `json:"status"`
	VariablesUsed   map[string]string `json:"variables_used,omitempty"`
	WebhookPayload  map[string]any    `json:"webhook_payload,omitempty"`
	QueuedMessageID string            `json:"queued_message_id,omitempty"`
	Error           string            `json:"error,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}
