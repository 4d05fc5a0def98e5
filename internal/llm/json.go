package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tenderflow/backend/pkg/errs"
)

var errNoJSON = errors.New("no json value in reply")

// ExtractJSON returns the first complete JSON object or array in a model reply, tolerating
// markdown fences and prose around it.
func ExtractJSON(reply string) (string, error) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", errNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errNoJSON
}

// DecodeJSON extracts and unmarshals the JSON payload of a reply into v. A reply that carries
// no parseable JSON is an API error, so the unit is retried or counted as failed.
func DecodeJSON(reply string, v any) error {
	raw, err := ExtractJSON(reply)
	if err != nil {
		return errs.API("decode reply", err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errs.API("decode reply", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}
