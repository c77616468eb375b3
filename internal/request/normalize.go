// Package request turns raw per-connection metadata and body bytes into the
// self-describing request record consumed by the engine.
package request

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/cryguy/jsgate/internal/core"
)

// Normalize builds the request record for handle. metadata must be a JSON
// object; body may be nil. Body classification never fails: unparsable or
// non-structured JSON degrades to the string variant. Only malformed
// metadata is an error, and it wraps core.ErrMalformedRequest.
func Normalize(handle core.Handle, metadata, body []byte) (*core.RequestRecord, error) {
	meta, err := parseMetadata(metadata)
	if err != nil {
		return nil, err
	}

	rec := &core.RequestRecord{
		Handle:   handle,
		Metadata: json.RawMessage(bytes.Clone(metadata)),
	}

	if len(body) == 0 {
		if meta.tempFile != "" {
			path := meta.tempFile
			rec.Body = core.Body{Format: core.BodyFile, File: &path}
		} else {
			rec.Body = core.Body{Format: core.BodyNone}
		}
		return rec, nil
	}

	rec.Body = Classify(body, meta.contentType, meta.hasContentType)
	return rec, nil
}

// Classify selects the body variant for non-empty body bytes. contentType is
// ignored when hasContentType is false.
func Classify(body []byte, contentType string, hasContentType bool) core.Body {
	if !utf8.Valid(body) {
		enc := hex.EncodeToString(body)
		return core.Body{Format: core.BodyBinary, Binary: &enc}
	}
	if !hasContentType || IsJSONMediaType(contentType) {
		if structured(body) {
			return core.Body{Format: core.BodyJSON, JSON: json.RawMessage(bytes.Clone(body))}
		}
	}
	text := string(body)
	return core.Body{Format: core.BodyString, String: &text}
}

// IsJSONMediaType reports whether a Content-Type value declares JSON:
// application/json, text/json or any structured-syntax +json suffix.
// Parameters such as charset are ignored.
func IsJSONMediaType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// ParseMediaType rejects some values browsers send; fall back to the
		// part before any parameter.
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch {
	case mt == "application/json", mt == "text/json":
		return true
	case strings.HasSuffix(mt, "+json"):
		return true
	}
	return false
}

// structured reports whether b is a single valid JSON value whose top level
// is an object or an array.
func structured(b []byte) bool {
	t := bytes.TrimLeft(b, " \t\r\n")
	if len(t) == 0 || (t[0] != '{' && t[0] != '[') {
		return false
	}
	return json.Valid(b)
}

type metadataView struct {
	contentType    string
	hasContentType bool
	tempFile       string
}

// parseMetadata inspects just the fields the normalizer needs. Everything
// else in the metadata object is forwarded untouched.
func parseMetadata(metadata []byte) (metadataView, error) {
	var view metadataView
	if len(metadata) == 0 {
		return view, fmt.Errorf("%w: metadata is empty", core.ErrMalformedRequest)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &fields); err != nil || fields == nil {
		return view, fmt.Errorf("%w: metadata is not a JSON object", core.ErrMalformedRequest)
	}

	if raw, ok := fields["headers"]; ok && !isNull(raw) {
		var headers map[string]json.RawMessage
		if err := json.Unmarshal(raw, &headers); err != nil || headers == nil {
			return view, fmt.Errorf("%w: metadata.headers is not an object", core.ErrMalformedRequest)
		}
		view.contentType, view.hasContentType = lookupHeader(headers, "Content-Type")
	}

	if raw, ok := fields["dataTempFile"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &view.tempFile); err != nil {
			return view, fmt.Errorf("%w: metadata.dataTempFile is not a string", core.ErrMalformedRequest)
		}
	}
	return view, nil
}

// lookupHeader finds name case-insensitively. A header value may be a string
// or an array of strings; for arrays the first element is used.
func lookupHeader(headers map[string]json.RawMessage, name string) (string, bool) {
	for k, raw := range headers {
		if !strings.EqualFold(k, name) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			return list[0], true
		}
		// Present but unusable: treat as a non-JSON content type.
		return "", true
	}
	return "", false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
