package policy

import (
	"bytes"
	"encoding/json"
	"strings"
)

// extractArgs flattens a tool call's JSON argument object into its values in
// declaration order. String values are unquoted; everything else keeps its
// compact JSON form. Non-object payloads yield a single entry. A stable
// order matters because patterns may match the space-joined string.
func extractArgs(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' {
		return []string{stringify(trimmed)}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if _, err := dec.Token(); err != nil { // opening brace
		return nil
	}

	var args []string
	for dec.More() {
		if _, err := dec.Token(); err != nil { // key
			return args
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return args
		}
		args = append(args, stringify(value))
	}
	return args
}

func stringify(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return strings.TrimSpace(string(raw))
}
