package adapter

import (
	"strings"

	"github.com/tetherhq/tether/internal/schema"
)

// Marker prefixes shared by the text-mode CLIs. Each adapter funnels its
// stripped lines through classifyLine and layers tool-specific quirks on top.
var progressBullets = []string{"•", "●", "◦", "▪", "∙", "⏺"}

// classifyLine maps one ANSI-stripped line onto exactly one block.
// Unrecognized lines become plain text.
func classifyLine(stripped string) schema.Block {
	trimmed := strings.TrimSpace(stripped)

	switch {
	case trimmed == "":
		return schema.Text("")

	case strings.HasPrefix(trimmed, "$ "):
		if b, err := schema.CommandRun(strings.TrimSpace(trimmed[2:])); err == nil {
			return b
		}
		return schema.Text(stripped)

	case strings.HasPrefix(trimmed, "Reading: "):
		if b, err := schema.FileRead(strings.TrimSpace(strings.TrimPrefix(trimmed, "Reading: "))); err == nil {
			return b
		}
		return schema.Text(stripped)

	case strings.HasPrefix(trimmed, "Writing: "), strings.HasPrefix(trimmed, "Editing: "):
		path := strings.TrimSpace(trimmed[strings.Index(trimmed, ": ")+2:])
		if b, err := schema.FileEdit(path); err == nil {
			return b
		}
		return schema.Text(stripped)

	case isDiffLine(trimmed):
		if b, err := schema.CodeBlock("diff", stripped); err == nil {
			return b
		}
		return schema.Text(stripped)

	case isThinkingLine(trimmed):
		return schema.Thinking(trimmed, false)
	}

	for _, bullet := range progressBullets {
		if strings.HasPrefix(trimmed, bullet) {
			return schema.Progress(strings.TrimSpace(strings.TrimPrefix(trimmed, bullet)))
		}
	}

	return schema.Text(stripped)
}

// isDiffLine recognizes unified-diff framing lines. Bare +/- lines are left
// as text: without surrounding hunk context they false-match ordinary prose.
func isDiffLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "@@ ") ||
		strings.HasPrefix(trimmed, "+++ ") ||
		strings.HasPrefix(trimmed, "--- ") ||
		strings.HasPrefix(trimmed, "diff --git ")
}

// isThinkingLine matches the CLIs' transient reasoning indicator. The
// trailing-ellipsis heuristic can false-match plain prose; it is scoped to
// short single-word lines to limit that.
func isThinkingLine(trimmed string) bool {
	if !strings.HasSuffix(trimmed, "...") && !strings.HasSuffix(trimmed, "…") {
		return false
	}
	head := strings.TrimSuffix(strings.TrimSuffix(trimmed, "..."), "…")
	return head != "" && !strings.ContainsAny(head, " \t")
}

// detectApproval reports whether the line reads as an approval prompt and
// classifies the requested action by keyword.
func detectApproval(stripped string) (string, bool) {
	lower := strings.ToLower(stripped)
	prompt := strings.Contains(lower, "(y/n)") ||
		strings.Contains(lower, "(yes/no)") ||
		strings.Contains(lower, "[y/n]")
	if !prompt && strings.Contains(lower, "do you want") {
		prompt = strings.HasSuffix(strings.TrimSpace(lower), "?")
	}
	if !prompt {
		return "", false
	}

	switch {
	case strings.Contains(lower, "edit") || strings.Contains(lower, "write") ||
		strings.Contains(lower, "file") || strings.Contains(lower, "apply"):
		return schema.ApprovalFileEdit, true
	case strings.Contains(lower, "command") || strings.Contains(lower, "run") ||
		strings.Contains(lower, "execute") || strings.Contains(lower, "shell"):
		return schema.ApprovalCommand, true
	default:
		return schema.ApprovalGeneric, true
	}
}

// IsAffirmative reports whether a user reply answers an approval prompt
// positively.
func IsAffirmative(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "approve", "allow", "ok":
		return true
	}
	return false
}

// IsNegative reports whether a user reply answers an approval prompt
// negatively.
func IsNegative(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "n", "no", "deny", "reject", "cancel":
		return true
	}
	return false
}
