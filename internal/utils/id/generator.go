package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var (
	defaultGenerator = &Generator{strategy: StrategyKSUID}
)

// Generator produces identifiers for missions, messages, and automations.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewMissionID generates a new mission identifier with a stable prefix for display.
func NewMissionID() string {
	return defaultGenerator.newIdentifier("mission")
}

// NewMessageID generates an identifier for a queued message.
func NewMessageID() string {
	return defaultGenerator.newIdentifier("msg")
}

// NewAutomationID generates an identifier for an automation definition.
func NewAutomationID() string {
	return defaultGenerator.newIdentifier("auto")
}

// NewExecutionID generates an identifier for an automation execution record.
func NewExecutionID() string {
	return defaultGenerator.newIdentifier("exec")
}

// NewWebhookID generates an unprefixed identifier for webhook endpoints.
// Webhook authentication rests entirely on this id being unguessable, so it
// always uses the full 160-bit KSUID regardless of the configured strategy.
func NewWebhookID() string {
	return ksuid.New().String()
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

// NewKSUID exposes raw KSUID generation for callers that need unprefixed identifiers.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewUUIDv7 exposes raw UUIDv7 generation for callers that need unprefixed identifiers.
func NewUUIDv7() string {
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return uuidv7.String()
}
