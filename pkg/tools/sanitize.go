package tools

import (
	"fmt"
	"strings"

	"github.com/sipeed/picogate/pkg/logger"
)

const (
	MaxOutputBytes = 50_000
	previewBytes   = 500
)

// Sanitize prepares a tool output for the model. HTML documents and
// encoded binary payloads are replaced by a short warning with a preview;
// anything longer than MaxOutputBytes is cut.
func Sanitize(output string) string {
	if isLikelyGarbage(output) {
		logger.WarnCF("tools", "Tool returned HTML/binary content", map[string]any{"bytes": len(output)})
		return fmt.Sprintf("[Warning: Tool returned HTML/binary content (%d bytes) — likely not useful]\n\nPreview:\n%s...",
			len(output), truncateUTF8(output, previewBytes))
	}
	if len(output) > MaxOutputBytes {
		logger.DebugCF("tools", "Truncating large tool output", map[string]any{"bytes": len(output)})
		return fmt.Sprintf("%s...\n\n[Truncated: %d bytes total, showing first %d]",
			truncateUTF8(output, MaxOutputBytes), len(output), MaxOutputBytes)
	}
	return output
}

func isLikelyGarbage(s string) bool {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "<!doctype") || strings.Contains(lower, "<html") {
		return true
	}
	if strings.Contains(s, "data:image/") || strings.Contains(s, "data:application/") {
		return true
	}
	dense := 0
	for line := range strings.Lines(s) {
		line = strings.TrimRight(line, "\r\n")
		if len(line) > 500 && !strings.Contains(line, " ") {
			dense++
		}
	}
	return dense > 3
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
