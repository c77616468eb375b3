package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

var errBinaryData = errors.New("response data must be a JSON object, a JSON array or UTF-8 text")

// minCompressSize is the smallest body worth compressing.
const minCompressSize = 1024

// requestMetadata is the metadata object handed to the script.
type requestMetadata struct {
	Method       string            `json:"method"`
	URI          string            `json:"uri"`
	Path         string            `json:"path"`
	Args         string            `json:"args"`
	Protocol     string            `json:"protocol"`
	RemoteAddr   string            `json:"remoteAddr"`
	Headers      map[string]string `json:"headers"`
	DataTempFile string            `json:"dataTempFile,omitempty"`
}

func buildMetadata(r *http.Request, tempFile string) requestMetadata {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}
	return requestMetadata{
		Method:       r.Method,
		URI:          r.RequestURI,
		Path:         r.URL.Path,
		Args:         r.URL.RawQuery,
		Protocol:     r.Proto,
		RemoteAddr:   r.RemoteAddr,
		Headers:      headers,
		DataTempFile: tempFile,
	}
}

// writeResult writes a delivered response. Header values may be strings,
// arrays of strings or scalars.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res *Result) {
	if res.Status < 100 || res.Status > 999 {
		s.logger.Warn("script returned unusable status", "status", res.Status)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if err := applyHeaders(w.Header(), res.Headers); err != nil {
		s.logger.Warn("script returned unusable headers", "err", err)
	}

	var body []byte
	if res.Body != nil {
		body = res.Body.B
	}
	if s.cfg.Compress && len(body) >= minCompressSize && acceptsBrotli(r) && w.Header().Get("Content-Encoding") == "" {
		h := w.Header()
		h.Set("Content-Encoding", "br")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
		w.WriteHeader(res.Status)
		bw := brotli.NewWriter(w)
		if _, err := bw.Write(body); err != nil {
			s.logger.Debug("writing compressed response", "err", err)
		}
		_ = bw.Close()
		return
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(body)
}

func applyHeaders(h http.Header, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	for name, v := range m {
		switch v := v.(type) {
		case nil:
		case string:
			h.Set(name, v)
		case []any:
			h.Del(name)
			for _, item := range v {
				h.Add(name, headerValue(item))
			}
		default:
			h.Set(name, headerValue(v))
		}
	}
	return nil
}

func headerValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// acceptsBrotli reports whether Accept-Encoding lists br without q=0.
func acceptsBrotli(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "br") {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}

type responseRecord struct {
	Handle  int64             `json:"handle"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// responsePayload builds the response record for the response endpoint. A
// body holding a JSON object or array is passed as structured data, any
// other body as text. Text that is not valid UTF-8 is rejected.
func responsePayload(h int64, status int, contentType string, data []byte) ([]byte, error) {
	rec := responseRecord{Handle: h, Status: status}
	if contentType != "" {
		rec.Headers = map[string]string{"Content-Type": contentType}
	}
	if len(data) > 0 {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
			rec.Data = trimmed
		} else {
			if !utf8.Valid(data) {
				return nil, errBinaryData
			}
			text, err := json.Marshal(string(data))
			if err != nil {
				return nil, err
			}
			rec.Data = text
		}
	}
	return json.Marshal(rec)
}
