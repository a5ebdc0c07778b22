package automation

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// placeholderPattern matches <name/> substitution markers. Names may be
// dotted (webhook payload paths).
var placeholderPattern = regexp.MustCompile(`<([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*/>`)

// RenderContext supplies the values available to a template.
type RenderContext struct {
	// Variables are the merged explicit variables (fired values already
	// layered over automation defaults).
	Variables map[string]string
	// MissionID and MissionName back the corresponding builtins.
	MissionID   string
	MissionName string
	// WebhookPayload backs <webhook.path.to.field/> lookups.
	WebhookPayload map[string]any
	// Now defaults to time.Now; injectable for tests.
	Now func() time.Time
}

// MergeVariables layers fired-time variables over defaults; fired values win.
func MergeVariables(defaults, fired map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(fired))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range fired {
		merged[k] = v
	}
	return merged
}

// Render substitutes <name/> placeholders in the template. Resolution order:
// explicit variables, builtins, webhook payload paths. Unresolved
// placeholders stay verbatim so failures surface downstream instead of
// disappearing silently.
func Render(template string, ctx RenderContext) string {
	now := time.Now
	if ctx.Now != nil {
		now = ctx.Now
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]

		if value, ok := ctx.Variables[name]; ok {
			return value
		}

		switch name {
		case "timestamp":
			return now().UTC().Format(time.RFC3339)
		case "date":
			return now().UTC().Format("2006-01-02")
		case "unix_time":
			return fmt.Sprintf("%d", now().Unix())
		case "mission_id":
			if ctx.MissionID != "" {
				return ctx.MissionID
			}
		case "mission_name":
			if ctx.MissionName != "" {
				return ctx.MissionName
			}
		case "cwd":
			if wd, err := os.Getwd(); err == nil {
				return wd
			}
		}

		if strings.HasPrefix(name, "webhook.") && ctx.WebhookPayload != nil {
			if value, ok := LookupPath(ctx.WebhookPayload, strings.TrimPrefix(name, "webhook.")); ok {
				return value
			}
		}

		return match
	})
}

// ResolveWebhookVariables evaluates the trigger's variable mappings against
// a webhook payload. Paths that resolve to nothing are omitted.
func ResolveWebhookVariables(mappings map[string]string, payload map[string]any) map[string]string {
	if len(mappings) == 0 {
		return nil
	}
	out := make(map[string]string, len(mappings))
	for name, path := range mappings {
		if value, ok := LookupPath(payload, path); ok {
			out[name] = value
		}
	}
	return out
}

// LookupPath walks a dot path through nested payload maps and renders the
// leaf as a string.
func LookupPath(payload map[string]any, path string) (string, bool) {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[part]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case bool:
		return fmt.Sprintf("%t", v), true
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%g", v), true
	case nil:
		return "", false
	default:
		return "", false
	}
}
