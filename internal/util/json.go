package util

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject returns the first complete top-level JSON object in raw.
// Surrounding prose and code fences are ignored.
func ExtractJSONObject(raw string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	start := -1

	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				chunk := raw[start : i+1]
				if json.Valid([]byte(chunk)) {
					return chunk, true
				}
				start = -1
			}
		}
	}
	return "", false
}

type cutPoint struct {
	pos   int
	stack string
}

// RepairJSON turns a possibly truncated JSON document into the longest valid
// prefix it can recover. Open strings are closed, dangling members are dropped
// and open containers are closed in order. It is used to preview streamed
// model output and is never a substitute for strict parsing.
func RepairJSON(raw string) (string, bool) {
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return "", false
	}
	s := raw[start:]

	var (
		stack    []byte
		cuts     []cutPoint
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
			cuts = append(cuts, cutPoint{pos: i + 1, stack: string(stack)})
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				doc := s[:i+1]
				return doc, json.Valid([]byte(doc))
			}
			cuts = append(cuts, cutPoint{pos: i + 1, stack: string(stack)})
		case ',':
			cuts = append(cuts, cutPoint{pos: i, stack: string(stack)})
		}
	}

	candidate := s
	if inString && !escaped {
		candidate += `"`
	}
	if out := closeJSON(candidate, string(stack)); json.Valid([]byte(out)) {
		return out, true
	}
	for i := len(cuts) - 1; i >= 0; i-- {
		out := closeJSON(s[:cuts[i].pos], cuts[i].stack)
		if json.Valid([]byte(out)) {
			return out, true
		}
	}
	return "", false
}

func closeJSON(s, stack string) string {
	s = strings.TrimRight(s, " \t\r\n")
	s = strings.TrimSuffix(s, ",")

	var b strings.Builder
	b.Grow(len(s) + len(stack))
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
