// Package svcfields holds the shared log field keys used across queuedrain.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Field keys shared by every subsystem so log queries line up.
const (
	SubsystemKey = pslog.TrustedString("sys")
	MessageIDKey = pslog.TrustedString("message_id")
	CycleIDKey   = pslog.TrustedString("cycle_id")
	BlobKey      = pslog.TrustedString("blob")
)

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through the returned logger.
// A nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
