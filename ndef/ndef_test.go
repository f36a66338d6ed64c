package ndef

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte("x"), 300)
	msg := NewMessage(
		NewTextRecord("en", "abc123:secretXYZ"),
		Record{TNF: TNFExternal, Type: []byte(PaymentMimeType), ID: []byte("id1"), Payload: long},
		NewMediaRecord(PaymentMimeType, []byte(`{"paymentId":"p1","secret":"s1"}`)),
	)
	raw, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if raw[0]&flagMB == 0 || raw[0]&flagSR == 0 {
		t.Fatalf("expected first header to carry MB and SR, got %#x", raw[0])
	}

	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if len(got.Records) != 3 {
		t.Fatalf("expected 3 records got %d", len(got.Records))
	}
	for i, want := range msg.Records {
		rec := got.Records[i]
		if rec.TNF != want.TNF || !bytes.Equal(rec.Type, want.Type) || !bytes.Equal(rec.ID, want.ID) || !bytes.Equal(rec.Payload, want.Payload) {
			t.Fatalf("record %d mismatch: %+v", i, rec)
		}
	}
}

func TestParseMessageErrors(t *testing.T) {
	t.Parallel()

	valid, err := NewMessage(NewTextRecord("en", "a:b")).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	tests := map[string]struct {
		data []byte
		want error
	}{
		"empty":     {data: nil, want: ErrEmpty},
		"truncated": {data: valid[:len(valid)-2], want: ErrTruncated},
		"chunked":   {data: []byte{flagMB | flagCF | byte(TNFWellKnown), 1, 0, 'T'}, want: ErrChunked},
		"long length beyond data": {
			data: []byte{flagMB | flagME | byte(TNFMediaType), 1, 0xff, 0xff, 0xff, 0xff, 'a'},
			want: ErrTruncated,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseMessage(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
		})
	}
}

func TestParseMessageRequiresMessageBegin(t *testing.T) {
	t.Parallel()

	if _, err := ParseMessage([]byte{flagME | flagSR | byte(TNFWellKnown), 1, 0, 'T'}); err == nil {
		t.Fatalf("expected error for missing MB flag")
	}
}

func TestParseMessageStopsAtMessageEnd(t *testing.T) {
	t.Parallel()

	raw, err := NewMessage(NewTextRecord("en", "a:b")).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	raw = append(raw, 0xde, 0xad)
	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if len(msg.Records) != 1 {
		t.Fatalf("expected 1 record got %d", len(msg.Records))
	}
}
