package domain

// ValidationOutcome is the binary result of static code validation.
type ValidationOutcome string

const (
	ValidationAllowed  ValidationOutcome = "allowed"
	ValidationRejected ValidationOutcome = "rejected"
)

// ValidationKind classifies why code was rejected. Oversize is decided before
// any parsing; malformed means the source could not be read as a program at
// all, distinct from a policy violation.
type ValidationKind string

const (
	ValidationKindOversize  ValidationKind = "oversize"
	ValidationKindMalformed ValidationKind = "malformed"
	ValidationKindPolicy    ValidationKind = "policy"
)

// Violation is one disallowed symbol or operation pattern found in the code.
type Violation struct {
	Symbol string `json:"symbol"`         // import name or pattern name
	Group  string `json:"group"`          // capability group (import, dynamic_eval, and so on)
	Line   int    `json:"line,omitempty"` // 1-based, 0 when not line-bound
}

// ValidationResult is the deterministic product of validating one
// (code, policy version) pair. Identical inputs always yield identical
// results, which is what makes caching by content hash sound.
type ValidationResult struct {
	Outcome       ValidationOutcome `json:"outcome"`
	Kind          ValidationKind    `json:"kind,omitempty"` // set when rejected
	Violations    []Violation       `json:"violations,omitempty"`
	CodeHash      string            `json:"code_hash"`
	PolicyVersion string            `json:"policy_version"`
}

// Allowed reports whether the code passed validation.
func (r *ValidationResult) Allowed() bool {
	return r.Outcome == ValidationAllowed
}

// ViolatedSymbols returns the distinct symbols in violation order, for error
// messages and notification detail.
func (r *ValidationResult) ViolatedSymbols() []string {
	seen := make(map[string]struct{}, len(r.Violations))
	var out []string
	for _, v := range r.Violations {
		if _, dup := seen[v.Symbol]; dup {
			continue
		}
		seen[v.Symbol] = struct{}{}
		out = append(out, v.Symbol)
	}
	return out
}
