// Package validator statically checks submitted agent code against a policy.
// Validation never imports or executes the candidate code; everything is
// decided by inspecting the source text. The result is a pure function of
// (code, policy version), which makes it cacheable by content hash.
package validator

import (
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"agent-engine/internal/domain"
	"agent-engine/internal/policy"
)

// groupImport marks violations caused by a module outside the allowlist.
const groupImport = "import"

// Validate statically checks code against pol. The length ceiling is decided
// before anything else; structural problems reject as malformed; otherwise
// every disallowed import and blocked operation pattern is collected, not
// just the first.
func Validate(code string, pol *policy.Policy) domain.ValidationResult {
	res := domain.ValidationResult{
		Outcome:       domain.ValidationAllowed,
		CodeHash:      domain.HashCode(code),
		PolicyVersion: pol.Version,
	}

	if len(code) > pol.MaxCodeLen {
		res.Outcome = domain.ValidationRejected
		res.Kind = domain.ValidationKindOversize
		return res
	}

	scrubbed, serr := scrub(code)
	switch {
	case strings.IndexByte(code, 0) >= 0:
		serr = &scanError{reason: "NUL byte in source"}
	case !utf8.ValidString(code):
		serr = &scanError{reason: "source is not valid UTF-8"}
	case serr == nil:
		serr = checkBrackets(scrubbed)
	}
	if serr != nil {
		res.Outcome = domain.ValidationRejected
		res.Kind = domain.ValidationKindMalformed
		res.Violations = []domain.Violation{{Symbol: serr.reason, Group: "syntax", Line: serr.line}}
		return res
	}

	var violations []domain.Violation
	for i, line := range strings.Split(scrubbed, "\n") {
		for _, mod := range importedModules(line) {
			if strings.HasPrefix(mod, ".") || !pol.ImportAllowed(mod) {
				sym := policy.RootModule(mod)
				if sym == "" {
					sym = mod // relative import, keep it as written
				}
				violations = append(violations, domain.Violation{
					Symbol: sym,
					Group:  groupImport,
					Line:   i + 1,
				})
			}
		}
		for _, g := range pol.Groups() {
			for _, p := range g.Patterns {
				if p.Regex.MatchString(line) {
					violations = append(violations, domain.Violation{
						Symbol: p.Symbol,
						Group:  g.Name,
						Line:   i + 1,
					})
				}
			}
		}
	}

	if len(violations) > 0 {
		res.Outcome = domain.ValidationRejected
		res.Kind = domain.ValidationKindPolicy
		res.Violations = violations
	}
	return res
}

// Validator binds a policy to an optional result cache. The zero cache means
// every call validates from scratch.
type Validator struct {
	pol   *policy.Policy
	cache *Cache
}

// New returns a Validator for pol. cache may be nil.
func New(pol *policy.Policy, cache *Cache) *Validator {
	return &Validator{pol: pol, cache: cache}
}

// Policy returns the policy this validator applies.
func (v *Validator) Policy() *policy.Policy {
	return v.pol
}

// Validate checks code, consulting the cache first. The second return
// reports whether the result came from the cache.
func (v *Validator) Validate(code string) (domain.ValidationResult, bool) {
	hash := domain.HashCode(code)
	if v.cache != nil {
		if res, ok := v.cache.Get(hash, v.pol.Version); ok {
			return res, true
		}
	}

	res := Validate(code, v.pol)
	if v.cache != nil {
		v.cache.Put(res)
	}
	if !res.Allowed() {
		log.Debug().
			Str("code_hash", hash).
			Str("kind", string(res.Kind)).
			Int("violations", len(res.Violations)).
			Msg("code rejected by static validation")
	}
	return res, false
}
