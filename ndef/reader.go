package ndef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teur/pos"
)

// PaymentMimeType is the record type carrying a JSON payment record.
const PaymentMimeType = "application/vnd.teur.payment"

// Extract returns the payment record carried by msg. When several records
// parse, the last one wins. Malformed records are logged and skipped.
func Extract(msg Message, logger *zap.Logger) (pos.PaymentRecord, bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		found pos.PaymentRecord
		ok    bool
	)
	for i, rec := range msg.Records {
		log := logger.With(zap.Int("record", i))
		switch {
		case isText(rec):
			text, err := DecodeText(rec.Payload)
			if err != nil {
				log.Warn("Could not decode NDEF text record", zap.Error(err))
				continue
			}
			parsed, valid := parseText(text)
			if !valid {
				log.Warn("Invalid payment data format in NDEF text record")
				continue
			}
			found, ok = parsed, true
		case isPayment(rec):
			parsed, err := parseJSON(rec.Payload)
			if err != nil {
				log.Warn("Could not parse NDEF payment record", zap.Error(err))
				continue
			}
			found, ok = parsed, true
		}
	}
	if ok {
		logger.Debug("Parsed payment record from NDEF message", zap.String("payment_id", found.PaymentID))
	}
	return found, ok
}

// Decode parses a raw NDEF message and extracts its payment record without
// keeping it anywhere.
func Decode(data []byte, logger *zap.Logger) (pos.PaymentRecord, bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	msg, err := ParseMessage(data)
	if err != nil {
		logger.Warn("Could not decode NDEF message", zap.Error(err))
		return pos.PaymentRecord{}, false, err
	}
	rec, ok := Extract(msg, logger)
	if !ok {
		logger.Warn("No payment record found in NDEF message", zap.Int("records", len(msg.Records)))
	}
	return rec, ok, nil
}

func isText(rec Record) bool {
	return rec.TNF == TNFWellKnown && string(rec.Type) == RTDText
}

func isPayment(rec Record) bool {
	switch rec.TNF {
	case TNFMediaType:
		return strings.EqualFold(string(rec.Type), PaymentMimeType)
	case TNFExternal:
		return string(rec.Type) == PaymentMimeType
	}
	return false
}

// parseText reads "paymentId:secret". Trailing empty fields do not count,
// so "abc:" carries no record.
func parseText(text string) (pos.PaymentRecord, bool) {
	parts := strings.Split(text, ":")
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 2 {
		return pos.PaymentRecord{}, false
	}
	return pos.PaymentRecord{
		PaymentID: strings.TrimSpace(parts[0]),
		Secret:    strings.TrimSpace(parts[1]),
	}, true
}

// parseJSON reads an object with optional paymentId and secret. Missing or
// null fields become empty strings, scalars are stringified.
func parseJSON(payload []byte) (pos.PaymentRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return pos.PaymentRecord{}, err
	}
	if obj == nil {
		return pos.PaymentRecord{}, fmt.Errorf("ndef: payment record is not a JSON object")
	}
	return pos.PaymentRecord{
		PaymentID: optString(obj, "paymentId"),
		Secret:    optString(obj, "secret"),
	}, nil
}

func optString(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}

// Reader holds the payment record from the most recent tap until it is used.
type Reader struct {
	mu     sync.Mutex
	record *pos.PaymentRecord
	logger *zap.Logger
}

var _ pos.RecordSource = (*Reader)(nil)

// NewReader returns an empty reader.
func NewReader(logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{logger: logger}
}

// Read extracts the record from msg. A found record replaces the held one;
// otherwise the held record is kept.
func (r *Reader) Read(msg Message) (pos.PaymentRecord, bool) {
	rec, ok := Extract(msg, r.logger)
	if !ok {
		r.logger.Warn("No payment record found in NDEF message", zap.Int("records", len(msg.Records)))
		return pos.PaymentRecord{}, false
	}
	r.mu.Lock()
	r.record = &rec
	r.mu.Unlock()
	return rec, true
}

// ReadBytes decodes a raw NDEF message and reads it.
func (r *Reader) ReadBytes(data []byte) (pos.PaymentRecord, bool, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		r.logger.Warn("Could not decode NDEF message", zap.Error(err))
		return pos.PaymentRecord{}, false, err
	}
	rec, ok := r.Read(msg)
	return rec, ok, nil
}

// Take returns the held record and forgets it.
func (r *Reader) Take() (pos.PaymentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return pos.PaymentRecord{}, false
	}
	rec := *r.record
	r.record = nil
	return rec, true
}
