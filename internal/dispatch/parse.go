package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cryguy/jsgate/internal/core"
)

// Parse decodes a response payload into a record. The schema is strict:
// handle and status are required and may appear once, only handle, status, headers and data are
// allowed, and data must be an object, array, string or null. Errors wrap
// core.ErrMalformedResponse.
func Parse(payload []byte) (*core.ResponseRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, malformed("payload is not JSON: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, malformed("payload is not a JSON object")
	}

	var (
		handle    core.Handle
		hasHandle bool
		status    int
		hasStatus bool
		headers   []byte
		jsonData  []byte
		textData  []byte
	)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, malformed("reading key: %v", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, malformed("reading %q: %v", key, err)
		}

		switch key {
		case "handle":
			if hasHandle {
				return nil, malformed("duplicate handle")
			}
			n, err := integer(raw)
			if err != nil || n < 0 {
				return nil, malformed("handle must be a non-negative integer, got %s", raw)
			}
			handle, hasHandle = core.Handle(n), true
		case "status":
			if hasStatus {
				return nil, malformed("duplicate status")
			}
			n, err := integer(raw)
			if err != nil || n < 1 || n > math.MaxUint16 {
				return nil, malformed("status must be an integer in 1..65535, got %s", raw)
			}
			status, hasStatus = int(n), true
		case "headers":
			switch kindOf(raw) {
			case '{':
				headers, err = compact(raw)
				if err != nil {
					return nil, malformed("headers: %v", err)
				}
			case 'n':
				headers = nil
			default:
				return nil, malformed("headers must be an object, got %s", raw)
			}
		case "data":
			switch kindOf(raw) {
			case '{', '[':
				jsonData, err = compact(raw)
				if err != nil {
					return nil, malformed("data: %v", err)
				}
			case '"':
				var s string
				if err := json.Unmarshal(raw, &s); err != nil {
					return nil, malformed("data: %v", err)
				}
				if s != "" {
					textData = []byte(s)
				}
			case 'n':
			default:
				return nil, malformed("data must be an object, array, string or null, got %s", raw)
			}
		default:
			return nil, malformed("unknown field %q", key)
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, malformed("unterminated object: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after response object")
	}

	if !hasHandle {
		return nil, malformed("handle is required")
	}
	if !hasStatus {
		return nil, malformed("status is required")
	}

	out := &core.ResponseRecord{Handle: handle, Status: status, Headers: headers}
	if out.Headers == nil {
		out.Headers = []byte("{}")
	}
	body := jsonData
	if body == nil {
		body = textData
	}
	if body != nil {
		out.Body = core.AcquireBuffer()
		_, _ = out.Body.Write(body)
	}
	return out, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// kindOf returns the first significant byte of a JSON value, or 'n' for null.
func kindOf(raw json.RawMessage) byte {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return 0
	}
	return t[0]
}

// integer accepts a bare JSON number with no fraction or exponent. Quoted
// numbers are rejected.
func integer(raw json.RawMessage) (int64, error) {
	if k := kindOf(raw); k != '-' && (k < '0' || k > '9') {
		return 0, fmt.Errorf("not a number")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n.Int64()
}

func compact(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
