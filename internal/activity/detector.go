// Package activity implements a stateless detector that recognizes
// command-line-assistant "work in progress" indicator lines (the kind
// emitted by Claude Code and similar CLIs) inside raw PTY output.
package activity

import (
	"regexp"
	"strings"
	"time"
)

// Activity is the structured result of a successful detection.
type Activity struct {
	TimestampMillis int64
	Status          string
	Details         string
}

// ansiPattern strips CSI sequences (ESC '[' params letter) before matching.
// Broader than an mGKHF-only cleanup: any final letter byte is accepted,
// since callers may feed it arbitrary terminal output.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// statusPattern is anchored to a line start, matching the indicator/action
// pair followed by an ellipsis and a parenthesized duration, with an
// optional extended "· <dir> <tokens> tokens · ... to interrupt" segment.
// Broadened to allow a multi-word action ahead of the ellipsis.
var statusPattern = regexp.MustCompile(
	`(?im)^(\S)\s+([^…\n]+?)…\s*\((\d+)s(?:\s*·\s*(\S?)\s*([\d.]+k?)\s*tokens\s*·\s*[^)]+to\s+interrupt)?\)`,
)

// Detect attempts to extract a single Activity from a raw output chunk. It
// returns ok=false when nothing recognizable is present.
//
// Invalid UTF-8 is lossily decoded (replacement character) rather than
// rejected, and a chunk that is only a prefix of a real status line simply
// fails to match — neither case panics. The pattern is anchored to a line
// start; some upstream variants instead let the indicator group bleed into
// the tail of an unrelated preceding line; this implementation tolerates
// arbitrary adversarial input either way without panicking, since regexp
// matching can never panic on malformed text.
func Detect(data []byte) (Activity, bool) {
	return DetectAt(data, time.Now())
}

// DetectAt is Detect with an injected timestamp, used by tests that need
// deterministic output.
func DetectAt(data []byte, now time.Time) (Activity, bool) {
	text := strings.ToValidUTF8(string(data), "�")
	clean := ansiPattern.ReplaceAllString(text, "")

	m := statusPattern.FindStringSubmatch(clean)
	if m == nil {
		return Activity{}, false
	}

	indicator := m[1]
	action := strings.TrimSpace(m[2])
	duration := m[3]
	dirChar := m[4]
	tokens := m[5]

	status := indicator + " " + action

	var details string
	if tokens != "" {
		details = duration + "s, " + dirChar + tokens
	} else {
		details = duration + "s"
	}

	return Activity{
		TimestampMillis: now.UnixMilli(),
		Status:          status,
		Details:         details,
	}, true
}
