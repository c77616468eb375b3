package core

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Handle is the opaque correlation token of one in-flight connection.
// It is issued by the host's registry, carried unchanged through the
// request record and returned verbatim in the response record. The host
// must not reuse a handle until its connection is finalized.
type Handle uint64

// String returns the decimal form used on the wire and in headers.
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// BodyFormat tags the variant carried by a request Body.
type BodyFormat string

const (
	BodyNone   BodyFormat = "none"
	BodyJSON   BodyFormat = "json"
	BodyString BodyFormat = "string"
	BodyBinary BodyFormat = "binary"
	BodyFile   BodyFormat = "file"
)

// Body is the tagged union describing a request body. Exactly the field
// named by Format is set; the wire form keeps every variant key and writes
// null for the inactive ones.
type Body struct {
	Format BodyFormat      `json:"format"`
	JSON   json.RawMessage `json:"json"`
	String *string         `json:"string"`
	Binary *string         `json:"binary"` // lower-case hex of the raw bytes
	File   *string         `json:"file"`
}

// RequestRecord is the self-describing request handed to the engine.
// It is immutable once queued and consumed exactly once.
type RequestRecord struct {
	Handle   Handle          `json:"handle"`
	Metadata json.RawMessage `json:"metadata"`
	Body     Body            `json:"body"`
}

// Encode returns the wire form of the record.
func (r *RequestRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Buffer holds a delivered response body. The delivery primitive owns it
// until it is handed back through the gateway's ReleaseResponseBuffer.
type Buffer = bytebufferpool.ByteBuffer

// AcquireBuffer returns an empty pooled buffer.
func AcquireBuffer() *Buffer {
	return bytebufferpool.Get()
}

// ReleaseBuffer returns buf to the pool. Nil is ignored.
func ReleaseBuffer(buf *Buffer) {
	if buf == nil {
		return
	}
	bytebufferpool.Put(buf)
}

// ResponseRecord is a parsed response produced by engine-side logic.
type ResponseRecord struct {
	Handle  Handle
	Status  int
	Headers []byte  // compact JSON object text, "{}" when absent
	Body    *Buffer // nil when the record carried no data
}
