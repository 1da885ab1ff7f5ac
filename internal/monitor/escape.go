package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeScanner analyzes execution output for signs that agent code probed
// or crossed the isolation boundary. The static validator blocks the obvious
// constructs before execution; this is the second net, catching what only
// shows up at runtime.
type EscapeScanner struct {
	patterns []escapePattern
}

type escapePattern struct {
	name     string
	detail   string
	regex    *regexp.Regexp
	severity Severity
}

// Severity levels for detected indicators.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents one indicator found in output.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// NewEscapeScanner creates a scanner with the default indicator set.
func NewEscapeScanner() *EscapeScanner {
	return &EscapeScanner{
		patterns: outputPatterns(),
	}
}

// Scan checks execution output for escape indicators. Detections are logged
// as they are found.
func (s *EscapeScanner) Scan(execID, output string) []Detection {
	var detections []Detection

	for _, p := range s.patterns {
		if !p.regex.MatchString(output) {
			continue
		}
		detections = append(detections, Detection{
			Pattern:  p.name,
			Severity: p.severity.String(),
			Detail:   p.detail,
		})

		log.Warn().
			Str("exec_id", execID).
			Str("pattern", p.name).
			Str("severity", p.severity.String()).
			Msg("escape indicator in execution output")
	}

	return detections
}

// Violation reports whether any detection is severe enough to mark the
// execution as a security failure rather than a plain result.
func Violation(detections []Detection) bool {
	for _, d := range detections {
		if d.Severity == SeverityHigh.String() || d.Severity == SeverityCritical.String() {
			return true
		}
	}
	return false
}

// Describe renders a short summary of the detections for failure messages.
func Describe(detections []Detection) string {
	names := make([]string, 0, len(detections))
	for _, d := range detections {
		names = append(names, d.Pattern)
	}
	return strings.Join(names, ", ")
}

func outputPatterns() []escapePattern {
	return []escapePattern{
		{
			name:     "root_account_dump",
			detail:   "contents of a password database with a root entry",
			regex:    regexp.MustCompile(`root:[x*]?:0:0:`),
			severity: SeverityCritical,
		},
		{
			name:     "runtime_socket",
			detail:   "path of a container runtime control socket",
			regex:    regexp.MustCompile(`(docker|containerd)\.sock`),
			severity: SeverityCritical,
		},
		{
			name:     "cgroup_escape",
			detail:   "cgroup release-agent manipulation",
			regex:    regexp.MustCompile(`notify_on_release|release_agent`),
			severity: SeverityCritical,
		},
		{
			name:     "kernel_version_leak",
			detail:   "host kernel identification string",
			regex:    regexp.MustCompile(`Linux version \d+\.\d+`),
			severity: SeverityHigh,
		},
		{
			name:     "metadata_service",
			detail:   "cloud metadata service address",
			regex:    regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			severity: SeverityHigh,
		},
		{
			name:     "init_environ",
			detail:   "environment of the init process",
			regex:    regexp.MustCompile(`/proc/1/(environ|root|cwd)`),
			severity: SeverityHigh,
		},
		{
			name:     "capability_probe",
			detail:   "capability mask dump from /proc status",
			regex:    regexp.MustCompile(`Cap(Eff|Prm|Bnd):\s+[0-9a-f]{16}`),
			severity: SeverityMedium,
		},
		{
			name:     "mount_table_probe",
			detail:   "overlay mount table listing",
			regex:    regexp.MustCompile(`overlay / overlay|/dev/sd[a-z]\d* /`),
			severity: SeverityMedium,
		},
	}
}
