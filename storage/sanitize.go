package storage

import (
	"strings"
)

const maxPathComponent = 255

// SanitizePathComponent turns a UID or identifier into a safe directory
// name: dots, slashes and backslashes become underscores, parent
// references are neutralized, and the result is capped at 255 bytes.
func SanitizePathComponent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}

	s = strings.ReplaceAll(s, "..", "_")
	replacer := strings.NewReplacer(".", "_", "/", "_", "\\", "_")
	s = replacer.Replace(s)

	if len(s) > maxPathComponent {
		s = s[:maxPathComponent]
	}
	return s
}

// SanitizeArchiveName makes an archive file name safe without touching
// dots, which UIDs in archive names keep.
func SanitizeArchiveName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}

	s = strings.ReplaceAll(s, "..", "_")
	replacer := strings.NewReplacer("/", "_", "\\", "_")
	s = replacer.Replace(s)

	if len(s) > maxPathComponent {
		s = s[:maxPathComponent]
	}
	return s
}
