// Package dispatch is the command surface of the control core: a framed
// JSON protocol over WebSocket, a verb registry routing to the domain
// components, and an MCP bridge exposing the same table as tools.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Args holds the non-envelope fields of a client frame, keyed by name.
type Args map[string]json.RawMessage

// parseFrame splits a client frame into envelope fields and arguments.
func parseFrame(raw []byte) (id, command string, args Args, err error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return "", "", nil, fmt.Errorf("dispatch: malformed frame: %w", err)
	}
	if v, ok := all["id"]; ok {
		// Opaque echo: clients may send numbers, echo them back verbatim.
		if json.Unmarshal(v, &id) != nil {
			id = string(v)
		}
		delete(all, "id")
	}
	if v, ok := all["command"]; ok {
		json.Unmarshal(v, &command)
		delete(all, "command")
	}
	return id, command, Args(all), nil
}

// Has reports whether the argument is present and not JSON null.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && string(v) != "null"
}

// String returns the argument as a string ("" when absent or mistyped).
func (a Args) String(key string) string {
	var s string
	if v, ok := a[key]; ok {
		if json.Unmarshal(v, &s) == nil {
			return s
		}
		// Tolerate bare numbers where strings are expected.
		return string(v)
	}
	return s
}

// Int returns the argument as an int, with a default when absent.
func (a Args) Int(key string, def int) int {
	if v, ok := a[key]; ok {
		var n int
		if json.Unmarshal(v, &n) == nil {
			return n
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
		}
	}
	return def
}

// Float returns the argument as a float64, with a default when absent.
func (a Args) Float(key string, def float64) float64 {
	if v, ok := a[key]; ok {
		var f float64
		if json.Unmarshal(v, &f) == nil {
			return f
		}
	}
	return def
}

// Bool returns the argument as a bool, with a default when absent.
func (a Args) Bool(key string, def bool) bool {
	if v, ok := a[key]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			return b
		}
	}
	return def
}

// Decode unmarshals the argument into out.
func (a Args) Decode(key string, out any) error {
	v, ok := a[key]
	if !ok {
		return fmt.Errorf("dispatch: argument %q missing", key)
	}
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("dispatch: argument %q: %w", key, err)
	}
	return nil
}

// StringMap returns the argument decoded as map[string]string.
func (a Args) StringMap(key string) map[string]string {
	out := map[string]string{}
	if v, ok := a[key]; ok {
		json.Unmarshal(v, &out)
	}
	return out
}

// Strings returns the argument decoded as a string slice.
func (a Args) Strings(key string) []string {
	var out []string
	if v, ok := a[key]; ok {
		json.Unmarshal(v, &out)
	}
	return out
}

// Result is the payload half of a success response.
type Result map[string]any

// successFrame builds {id, success:true, ...result}.
func successFrame(id string, result Result) map[string]any {
	frame := map[string]any{"id": id, "success": true}
	for k, v := range result {
		if k == "id" || k == "success" {
			continue
		}
		frame[k] = v
	}
	return frame
}

// errorFrame builds {id, success:false, error}.
func errorFrame(id, msg string) map[string]any {
	return map[string]any{"id": id, "success": false, "error": msg}
}
