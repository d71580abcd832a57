// Package progress decodes borg's live status stream into progress snapshots.
package progress

import (
	"encoding/json"
	"strings"

	"github.com/borgsched/borgsched/internal/models"
)

// archiveProgress is the JSON line borg emits with --progress --log-json.
// All numeric fields are pointers so that absent fields can be told apart
// from zero values; partial buffered lines routinely omit fields.
type archiveProgress struct {
	Type             string   `json:"type"`
	OriginalSize     *int64   `json:"original_size"`
	CompressedSize   *int64   `json:"compressed_size"`
	DeduplicatedSize *int64   `json:"deduplicated_size"`
	NFiles           *int     `json:"nfiles"`
	Path             string   `json:"path"`
	Time             *float64 `json:"time"`
	Progress         *float64 `json:"progress"`
}

// Parse transforms one raw output line into the next progress snapshot.
// It returns false when the line is not a progress record; malformed or
// truncated lines are skipped the same way. Fields missing from the line
// inherit the previous snapshot's value so a poller never sees the numbers
// jump back to zero, and the completion fraction never decreases.
func Parse(prev models.ProgressSnapshot, line string) (models.ProgressSnapshot, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return prev, false
	}

	var record archiveProgress
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return prev, false
	}
	if record.Type != "archive_progress" {
		return prev, false
	}

	next := prev
	if record.OriginalSize != nil {
		next.OriginalSize = *record.OriginalSize
	}
	if record.CompressedSize != nil {
		next.CompressedSize = *record.CompressedSize
	}
	if record.DeduplicatedSize != nil {
		next.DeduplicatedSize = *record.DeduplicatedSize
	}
	if record.NFiles != nil {
		next.NFiles = *record.NFiles
	}
	if record.Time != nil {
		next.ElapsedSeconds = *record.Time
	}
	if record.Path != "" {
		next.CurrentPath = record.Path
	}
	if record.Progress != nil && *record.Progress > next.Fraction {
		fraction := *record.Progress
		if fraction > 1.0 {
			fraction = 1.0
		}
		next.Fraction = fraction
	}

	return next, true
}

// logMessage is the JSON line borg emits for diagnostics with --log-json.
type logMessage struct {
	Type      string `json:"type"`
	LevelName string `json:"levelname"`
	Message   string `json:"message"`
}

// ParseLogMessage decodes a borg --log-json diagnostic line. The second
// result reports whether the message carries ERROR or CRITICAL severity.
// Returns ok=false for anything that is not a log_message record.
func ParseLogMessage(line string) (message string, isError bool, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return "", false, false
	}
	var record logMessage
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return "", false, false
	}
	if record.Type != "log_message" {
		return "", false, false
	}
	return record.Message, record.LevelName == "ERROR" || record.LevelName == "CRITICAL", true
}
