// Package export renders lab sheet cover templates as DOCX documents and
// saves them through a Sink.
package export

import (
	"strings"
)

// DefaultFileName is used when a requested name is blank.
const DefaultFileName = "labsheet-template.docx"

var unsafeChars = strings.NewReplacer(
	`\`, "_",
	"/", "_",
	":", "_",
	"*", "_",
	"?", "_",
	`"`, "_",
	"<", "_",
	">", "_",
	"|", "_",
)

// BuildSafeDocxName makes name usable as a download file name. Characters
// reserved on common filesystems become underscores and ".docx" is appended
// unless already present (case-insensitive).
func BuildSafeDocxName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultFileName
	}
	name = unsafeChars.Replace(name)
	if !strings.HasSuffix(strings.ToLower(name), ".docx") {
		name += ".docx"
	}
	return name
}
