package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the backend's response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// DecodeEnvelope reads either {success,data,message,errors} or the same
// object wrapped once more under data. A body without a success flag is
// taken as bare data.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return &Envelope{Success: true}, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		if json.Valid(body) {
			return &Envelope{Success: true, Data: body}, nil
		}
		return nil, fmt.Errorf("remote: malformed response: %w", err)
	}

	if _, ok := top["success"]; ok {
		return decodeFlat(body)
	}

	if inner, ok := top["data"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(inner, &nested) == nil {
			if _, ok := nested["success"]; ok {
				return decodeFlat(inner)
			}
		}
	}

	return &Envelope{Success: true, Data: body}, nil
}

func decodeFlat(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("remote: malformed envelope: %w", err)
	}
	return &env, nil
}

// failure summarizes message and errors for an unsuccessful envelope.
func (e *Envelope) failure() string {
	parts := make([]string, 0, 2)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.Errors) > 0 && string(e.Errors) != "null" {
		var list []string
		if json.Unmarshal(e.Errors, &list) == nil {
			parts = append(parts, strings.Join(list, "; "))
		} else {
			parts = append(parts, string(e.Errors))
		}
	}
	if len(parts) == 0 {
		return "request unsuccessful"
	}
	return strings.Join(parts, ": ")
}
