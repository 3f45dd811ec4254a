// Package binres resolves user-supplied worker binary identifiers to
// executable paths and probes binaries for their version string.
package binres

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// DefaultTimeout bounds locator and version-probe invocations.
const DefaultTimeout = 5 * time.Second

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9A-Za-z.-]+)`)

// Resolver turns binary identifiers into executable paths. It fails open:
// an identifier that cannot be resolved is returned unchanged so the
// supervisor surfaces a spawn error downstream instead.
type Resolver struct {
	locator string // "which" or "where"; overridable in tests
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a resolver using the platform-appropriate locator command.
func New(logger *slog.Logger) *Resolver {
	locator := "which"
	if runtime.GOOS == "windows" {
		locator = "where"
	}
	return &Resolver{locator: locator, timeout: DefaultTimeout, logger: logger}
}

// Resolve maps identifier to an executable path. Absolute paths, relative
// paths and dot-prefixed identifiers pass through untouched; bare names
// are looked up on PATH via the locator command.
func (r *Resolver) Resolve(ctx context.Context, identifier string) string {
	if identifier == "" {
		return identifier
	}

	looksLikePath := strings.ContainsAny(identifier, `/\`) || strings.HasPrefix(identifier, ".")
	if filepath.IsAbs(identifier) || looksLikePath {
		return identifier
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.locator, identifier).Output()
	if err != nil {
		r.logger.Warn("failed to resolve binary path via locator", "identifier", identifier, "error", err)
		return identifier
	}

	if resolved := firstLine(string(out)); resolved != "" {
		r.logger.Debug("resolved binary path", "identifier", identifier, "resolved", resolved)
		return resolved
	}
	return identifier
}

// DetectVersion runs `path --version` and extracts a semver-shaped token
// from the first non-empty output line. Falls back to the raw trimmed
// line when no token matches, and returns "" on any failure.
func (r *Resolver) DetectVersion(ctx context.Context, path string) string {
	if path == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		r.logger.Warn("failed to read binary version", "binary", path, "error", err)
		return ""
	}

	line := firstLine(string(out))
	if line == "" {
		return ""
	}

	if match := versionPattern.FindString(line); match != "" {
		r.logger.Debug("detected binary version", "binary", path, "version", match)
		return match
	}
	return line
}

// firstLine returns the first non-empty trimmed line of s.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
