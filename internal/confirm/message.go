package confirm

import (
	"fmt"
	"sort"
	"strings"
)

// RenderMessage builds the human-readable confirmation prompt for a tool
// call. Known tool families get a tailored sentence; everything else falls
// back to the tool name plus its raw parameters.
func RenderMessage(toolName string, params map[string]any) string {
	switch {
	case strings.Contains(toolName, "CalendarEvent"):
		return renderCalendar(toolName, params)
	case strings.Contains(toolName, "Gmail"):
		return renderEmail(params)
	case strings.Contains(toolName, "FacebookPost"):
		return renderSocialPost(params)
	case toolName == "uploadFileToDrive":
		return fmt.Sprintf("Upload %q to Drive?", str(params, "fileName"))
	case toolName == "deleteDriveFile":
		return fmt.Sprintf("Permanently delete %q from Drive?", str(params, "fileName"))
	default:
		return fmt.Sprintf("Execute %s with parameters %s?", toolName, formatParams(params))
	}
}

func renderCalendar(toolName string, params map[string]any) string {
	title := str(params, "title")
	if title == "" {
		title = str(params, "summary")
	}
	switch {
	case strings.HasPrefix(toolName, "delete"):
		return fmt.Sprintf("Delete calendar event %q?", title)
	case strings.HasPrefix(toolName, "update"):
		return fmt.Sprintf("Update calendar event %q?", title)
	default:
		when := str(params, "start")
		if when != "" {
			return fmt.Sprintf("Create calendar event %q at %s?", title, when)
		}
		return fmt.Sprintf("Create calendar event %q?", title)
	}
}

func renderEmail(params map[string]any) string {
	to := str(params, "to")
	subject := str(params, "subject")
	if subject != "" {
		return fmt.Sprintf("Send email %q to %s?", subject, to)
	}
	return fmt.Sprintf("Send email to %s?", to)
}

func renderSocialPost(params map[string]any) string {
	content := str(params, "message")
	if content == "" {
		content = str(params, "content")
	}
	if len([]rune(content)) > 120 {
		content = string([]rune(content)[:120]) + "…"
	}
	return fmt.Sprintf("Publish social post: %q?", content)
}

func str(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
