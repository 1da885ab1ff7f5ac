// Package policy defines the static validation contract applied to submitted
// agent code: which modules may be imported and which operation patterns are
// blocked outright. A policy is immutable once built; changing it means
// bumping the version so cached validation results are recomputed.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Capability groups for blocked operations. Group names are stable: they are
// stored on violations and rendered to users by external collaborators.
const (
	GroupDynamicEval   = "dynamic_eval"
	GroupProcessSpawn  = "process_spawn"
	GroupFilesystem    = "filesystem"
	GroupDynamicImport = "dynamic_import"
	GroupInteractive   = "interactive_input"
)

// Policy is the allow/block contract a piece of agent code is validated
// against.
type Policy struct {
	Version    string
	MaxCodeLen int

	allowedImports map[string]struct{}
	groups         []Group
}

// Group is a named set of blocked operation patterns sharing a capability
// class.
type Group struct {
	Name        string
	Description string
	Patterns    []Pattern
}

// Pattern matches one blocked symbol. Symbol is the canonical name reported
// on violations.
type Pattern struct {
	Symbol string
	Regex  *regexp.Regexp
}

// BlockedPattern is the config-file shape of an extra blocked pattern. It is
// compiled into a Pattern when the policy is built.
type BlockedPattern struct {
	Symbol string `yaml:"symbol"`
	Group  string `yaml:"group"`
	Expr   string `yaml:"expr"`
}

// Default returns the built-in policy: scientific-python analysis modules
// allowed, dynamic evaluation / process / filesystem / import / stdin
// capabilities blocked.
func Default() *Policy {
	return build("v1", 10000, defaultImports(), defaultGroups())
}

// FromConfig builds a policy from the defaults plus configured overrides.
// Extra blocked patterns are compiled here so a bad expression fails at
// startup, not per validation.
func FromConfig(version string, maxCodeLen int, extraImports []string, extraBlocked []BlockedPattern) (*Policy, error) {
	groups := defaultGroups()
	for _, b := range extraBlocked {
		if b.Symbol == "" || b.Expr == "" {
			return nil, fmt.Errorf("blocked pattern needs symbol and expr: %+v", b)
		}
		re, err := regexp.Compile(b.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", b.Symbol, err)
		}
		groups = appendToGroup(groups, b.Group, Pattern{Symbol: b.Symbol, Regex: re})
	}

	imports := append(defaultImports(), extraImports...)
	p := build(version, maxCodeLen, imports, groups)
	return p, nil
}

func build(version string, maxCodeLen int, imports []string, groups []Group) *Policy {
	allowed := make(map[string]struct{}, len(imports))
	for _, m := range imports {
		allowed[m] = struct{}{}
	}
	return &Policy{
		Version:        version,
		MaxCodeLen:     maxCodeLen,
		allowedImports: allowed,
		groups:         groups,
	}
}

// ImportAllowed reports whether the given module may be imported. Dotted
// submodule paths are judged by their root: "numpy.linalg" is allowed iff
// "numpy" is.
func (p *Policy) ImportAllowed(module string) bool {
	_, ok := p.allowedImports[RootModule(module)]
	return ok
}

// Groups returns the blocked operation pattern groups.
func (p *Policy) Groups() []Group {
	return p.groups
}

// RootModule returns the top-level module of a dotted import path.
func RootModule(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func appendToGroup(groups []Group, name string, pat Pattern) []Group {
	for i := range groups {
		if groups[i].Name == name {
			groups[i].Patterns = append(groups[i].Patterns, pat)
			return groups
		}
	}
	return append(groups, Group{Name: name, Patterns: []Pattern{pat}})
}

func defaultImports() []string {
	return []string{
		// stdlib analysis surface
		"math", "statistics", "random", "datetime", "json", "re",
		"collections", "itertools", "functools", "heapq", "bisect",
		"decimal", "fractions", "string", "enum", "dataclasses", "typing",
		// scientific stack available in the execution images
		"numpy", "pandas", "scipy", "sklearn", "shapely", "geojson",
	}
}

func defaultGroups() []Group {
	return []Group{
		{
			Name:        GroupDynamicEval,
			Description: "runtime evaluation of constructed code",
			Patterns: []Pattern{
				{Symbol: "eval", Regex: regexp.MustCompile(`\beval\s*\(`)},
				{Symbol: "exec", Regex: regexp.MustCompile(`\bexec\s*\(`)},
				{Symbol: "compile", Regex: regexp.MustCompile(`\bcompile\s*\(`)},
			},
		},
		{
			Name:        GroupProcessSpawn,
			Description: "spawning or controlling processes",
			Patterns: []Pattern{
				{Symbol: "os.system", Regex: regexp.MustCompile(`\bos\.system\s*\(`)},
				{Symbol: "os.popen", Regex: regexp.MustCompile(`\bos\.popen\s*\(`)},
				{Symbol: "os.fork", Regex: regexp.MustCompile(`\bos\.fork\s*\(`)},
				{Symbol: "os.exec", Regex: regexp.MustCompile(`\bos\.exec\w*\s*\(`)},
				{Symbol: "os.spawn", Regex: regexp.MustCompile(`\bos\.spawn\w*\s*\(`)},
				{Symbol: "subprocess", Regex: regexp.MustCompile(`\bsubprocess\s*\.`)},
				{Symbol: "multiprocessing", Regex: regexp.MustCompile(`\bmultiprocessing\s*\.`)},
			},
		},
		{
			Name:        GroupFilesystem,
			Description: "raw filesystem access",
			Patterns: []Pattern{
				{Symbol: "open", Regex: regexp.MustCompile(`\bopen\s*\(`)},
				{Symbol: "os.open", Regex: regexp.MustCompile(`\bos\.open\s*\(`)},
				{Symbol: "os.remove", Regex: regexp.MustCompile(`\bos\.(remove|unlink|rmdir|removedirs)\s*\(`)},
				{Symbol: "os.rename", Regex: regexp.MustCompile(`\bos\.(rename|replace|chmod|chown)\s*\(`)},
				{Symbol: "shutil", Regex: regexp.MustCompile(`\bshutil\s*\.`)},
				{Symbol: "pathlib", Regex: regexp.MustCompile(`\bpathlib\s*\.`)},
			},
		},
		{
			Name:        GroupDynamicImport,
			Description: "loading modules at runtime",
			Patterns: []Pattern{
				{Symbol: "__import__", Regex: regexp.MustCompile(`\b__import__\s*\(`)},
				{Symbol: "importlib", Regex: regexp.MustCompile(`\bimportlib\s*\.`)},
				{Symbol: "imp", Regex: regexp.MustCompile(`\bimp\s*\.\s*(load|find)`)},
			},
		},
		{
			Name:        GroupInteractive,
			Description: "reading interactive input",
			Patterns: []Pattern{
				{Symbol: "input", Regex: regexp.MustCompile(`\binput\s*\(`)},
				{Symbol: "sys.stdin", Regex: regexp.MustCompile(`\bsys\.stdin\b`)},
			},
		},
	}
}
