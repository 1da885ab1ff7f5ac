package validator

import (
	"strings"
)

// scanError is a structural problem that makes the source unreadable as a
// program. It maps to a "malformed" rejection, not a policy violation.
type scanError struct {
	reason string
	line   int
}

// scrub returns a copy of src with comment bodies and string-literal contents
// replaced by spaces, preserving line structure. Import extraction and
// blocked-pattern matching run on the scrubbed text so a symbol inside a
// string or comment never counts as a reference.
func scrub(src string) (string, *scanError) {
	const (
		stateCode = iota
		stateString
		stateComment
	)

	out := []byte(src)
	state := stateCode
	var delim byte
	triple := false
	stringStart := 0
	line := 1

	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '\n' {
			line++
		}

		switch state {
		case stateCode:
			switch {
			case c == '#':
				state = stateComment
				out[i] = ' '
			case c == '\'' || c == '"':
				state = stateString
				delim = c
				stringStart = line
				out[i] = ' '
				triple = i+2 < len(src) && src[i+1] == c && src[i+2] == c
				if triple {
					out[i+1] = ' '
					out[i+2] = ' '
					i += 2
				}
			}

		case stateComment:
			if c == '\n' {
				state = stateCode
			} else {
				out[i] = ' '
			}

		case stateString:
			switch {
			case c == '\\' && i+1 < len(src):
				out[i] = ' '
				i++
				if src[i] == '\n' {
					line++
				} else {
					out[i] = ' '
				}
			case c == delim && !triple:
				state = stateCode
				out[i] = ' '
			case c == delim && triple && i+2 < len(src) && src[i+1] == delim && src[i+2] == delim:
				state = stateCode
				out[i] = ' '
				out[i+1] = ' '
				out[i+2] = ' '
				i += 2
			case c == '\n' && !triple:
				return "", &scanError{reason: "unterminated string literal", line: stringStart}
			case c != '\n':
				out[i] = ' '
			}
		}
	}

	if state == stateString {
		if triple {
			return "", &scanError{reason: "unterminated triple-quoted string", line: stringStart}
		}
		return "", &scanError{reason: "unterminated string literal", line: stringStart}
	}
	return string(out), nil
}

// checkBrackets verifies (), [] and {} pairing on scrubbed source.
func checkBrackets(scrubbed string) *scanError {
	type open struct {
		c    byte
		line int
	}
	var stack []open
	line := 1

	match := map[byte]byte{')': '(', ']': '[', '}': '{'}

	for i := 0; i < len(scrubbed); i++ {
		switch c := scrubbed[i]; c {
		case '\n':
			line++
		case '(', '[', '{':
			stack = append(stack, open{c: c, line: line})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].c != match[c] {
				return &scanError{reason: "unmatched '" + string(c) + "'", line: line}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &scanError{reason: "unclosed '" + string(top.c) + "'", line: top.line}
	}
	return nil
}

// importedModules extracts the module paths referenced by import statements
// on one scrubbed line. Relative imports come back as written (leading dot).
func importedModules(line string) []string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	switch fields[0] {
	case "from":
		return []string{fields[1]}
	case "import":
		var mods []string
		for _, part := range strings.Split(strings.Join(fields[1:], " "), ",") {
			f := strings.Fields(part)
			if len(f) == 0 {
				continue
			}
			mods = append(mods, f[0])
		}
		return mods
	}
	return nil
}
