package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parse parses raw backend output into a StageResult.
//
// Order of attempts:
//  1. the whole text as a JSON object
//  2. the contents of a single fenced code block (``` or ```json)
//  3. the first balanced {...} object found in the text
//
// Backends are asked for strict JSON output but do not always comply; models
// frequently wrap the object in a fence or surround it with prose.
func Parse(text string) (*StageResult, error) {
	trimmed := strings.TrimSpace(text)

	if r, err := parseObject(trimmed); err == nil {
		return r, nil
	}

	if inner, ok := extractFencedBlock(trimmed); ok {
		if r, err := parseObject(inner); err == nil {
			return r, nil
		}
	}

	if obj, ok := extractBalancedObject(trimmed); ok {
		if r, err := parseObject(obj); err == nil {
			return r, nil
		}
	}

	return nil, fmt.Errorf("no valid envelope JSON found in response")
}

func parseObject(text string) (*StageResult, error) {
	var r StageResult
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// extractFencedBlock returns the contents of the first ``` fenced block.
// An optional language tag on the opening fence is discarded.
func extractFencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", false
	}
	rest := text[start+3:]

	// Skip the language tag up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}

	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBalancedObject scans for the first balanced top-level JSON object.
// Brace counting ignores braces inside string literals.
func extractBalancedObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, c := range text {
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], true
				}
			}
		}
	}

	return "", false
}
