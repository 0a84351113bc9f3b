package syncengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/storyforge-backend/internal/types"
)

// pushProperties builds the planning-page patch for the push loop. Only
// Status, Priority, and the derived Time in Status are written; Title, Topic,
// Story Direction, and Channel always stay user-owned.
func pushProperties(task *types.Task, now time.Time) map[string]any {
	return map[string]any{
		"Status": map[string]any{
			"status": map[string]any{"name": task.Status.Label()},
		},
		"Priority": map[string]any{
			"select": map[string]any{"name": priorityLabel(task.Priority)},
		},
		"Time in Status": map[string]any{
			"rich_text": []any{
				map[string]any{
					"text": map[string]any{"content": humanDuration(now.Sub(task.UpdatedAt))},
				},
			},
		},
	}
}

func priorityLabel(p types.TaskPriority) string {
	switch p {
	case types.PriorityHigh:
		return "High"
	case types.PriorityLow:
		return "Low"
	default:
		return "Normal"
	}
}

func priorityFromLabel(label string) types.TaskPriority {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "high":
		return types.PriorityHigh
	case "low":
		return types.PriorityLow
	default:
		return types.PriorityNormal
	}
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// Property extraction over the planning API's nested JSON shapes. Missing or
// malformed properties read as empty strings; validation decides what is
// required.

func prop(page map[string]any, name string) map[string]any {
	v, ok := page[name]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func titleProp(props map[string]any, name string) string {
	p := prop(props, name)
	if p == nil {
		return ""
	}
	items, _ := p["title"].([]any)
	return joinRichText(items)
}

func richTextProp(props map[string]any, name string) string {
	p := prop(props, name)
	if p == nil {
		return ""
	}
	items, _ := p["rich_text"].([]any)
	return joinRichText(items)
}

func selectProp(props map[string]any, name string) string {
	p := prop(props, name)
	if p == nil {
		return ""
	}
	sel, _ := p["select"].(map[string]any)
	if sel == nil {
		return ""
	}
	name2, _ := sel["name"].(string)
	return name2
}

func statusProp(props map[string]any, name string) string {
	p := prop(props, name)
	if p == nil {
		return ""
	}
	st, _ := p["status"].(map[string]any)
	if st == nil {
		return ""
	}
	label, _ := st["name"].(string)
	return label
}

func joinRichText(items []any) string {
	var b strings.Builder
	for _, item := range items {
		m, _ := item.(map[string]any)
		if m == nil {
			continue
		}
		if plain, ok := m["plain_text"].(string); ok && plain != "" {
			b.WriteString(plain)
			continue
		}
		if text, ok := m["text"].(map[string]any); ok {
			if content, ok := text["content"].(string); ok {
				b.WriteString(content)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
