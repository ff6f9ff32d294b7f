package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is a decoded response message from an analysis worker
type Envelope struct {
	ID string

	// Result holds the "result" member when present, otherwise the whole message
	Result json.RawMessage

	// Error is the worker's error or exception text, verbatim
	Error    string
	HasError bool
}

// DecodeEnvelope parses a response body. error takes precedence over exception,
// and either one takes precedence over a result.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedResponse)
	}

	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: id must be a string", ErrMalformedResponse)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrMalformedResponse)
	}

	env := &Envelope{ID: id}

	for _, key := range []string{"error", "exception"} {
		if text, ok := errorText(fields[key]); ok {
			env.Error = text
			env.HasError = true
			return env, nil
		}
	}

	payload := body
	if raw, ok := fields["result"]; ok && !isNull(raw) {
		payload = raw
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	env.Result = json.RawMessage(compacted.Bytes())

	return env, nil
}

// errorText reports whether raw carries a worker error. Strings are kept verbatim;
// other JSON values are kept as their compact JSON text.
func errorText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || isNull(raw) {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return string(raw), true
	}
	switch text := compacted.String(); text {
	case "false", "0":
		return "", false
	default:
		return text, true
	}
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
