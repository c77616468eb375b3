package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestRequestRecordEncodeNullsInactiveVariants(t *testing.T) {
	s := "hello"
	rec := &RequestRecord{
		Handle:   42,
		Metadata: json.RawMessage(`{}`),
		Body:     Body{Format: BodyString, String: &s},
	}
	out, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"handle":42,"metadata":{},"body":{"format":"string","json":null,"string":"hello","binary":null,"file":null}}`
	if string(out) != want {
		t.Fatalf("Encode = %s, want %s", out, want)
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{ErrQueueFull, "queue_rejected"},
		{ErrQueueClosed, "queue_rejected"},
		{fmt.Errorf("parse: %w", ErrMalformedResponse), "malformed_response"},
		{fmt.Errorf("boot: %w", ErrBootstrap), "bootstrap"},
		{errors.New("other"), "internal"},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Errorf("Kind(%v) = %q, want %q", c.err, got, c.want)
		}
	}
	if !errors.Is(ErrQueueFull, ErrQueueRejected) {
		t.Fatal("ErrQueueFull should wrap ErrQueueRejected")
	}
}

func TestHandleString(t *testing.T) {
	if got := Handle(18446744073709551615).String(); got != "18446744073709551615" {
		t.Fatalf("String = %q", got)
	}
}
