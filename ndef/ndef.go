// Package ndef decodes NFC Data Exchange Format messages and extracts the
// tEUR payment record they carry.
package ndef

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TNF is the type name format of a record.
type TNF byte

const (
	TNFEmpty       TNF = 0x00
	TNFWellKnown   TNF = 0x01
	TNFMediaType   TNF = 0x02
	TNFAbsoluteURI TNF = 0x03
	TNFExternal    TNF = 0x04
	TNFUnknown     TNF = 0x05
	TNFUnchanged   TNF = 0x06
)

const (
	flagMB  = 0x80
	flagME  = 0x40
	flagCF  = 0x20
	flagSR  = 0x10
	flagIL  = 0x08
	tnfMask = 0x07
)

// RTDText is the well-known type of a text record.
const RTDText = "T"

var (
	ErrTruncated = errors.New("ndef: truncated record")
	ErrChunked   = errors.New("ndef: chunked records are not supported")
	ErrEmpty     = errors.New("ndef: empty message")
)

// Record is a single NDEF record.
type Record struct {
	TNF     TNF
	Type    []byte
	ID      []byte
	Payload []byte
}

// Message is an ordered list of records.
type Message struct {
	Records []Record
}

// ParseMessage decodes the binary encoding of an NDEF message.
func ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrEmpty
	}
	var msg Message
	for off := 0; off < len(data); {
		header := data[off]
		off++
		if header&flagCF != 0 {
			return Message{}, ErrChunked
		}
		if len(msg.Records) == 0 && header&flagMB == 0 {
			return Message{}, fmt.Errorf("ndef: first record lacks message begin flag")
		}

		if off >= len(data) {
			return Message{}, ErrTruncated
		}
		typeLen := int(data[off])
		off++

		var payloadLen int
		if header&flagSR != 0 {
			if off >= len(data) {
				return Message{}, ErrTruncated
			}
			payloadLen = int(data[off])
			off++
		} else {
			if off+4 > len(data) {
				return Message{}, ErrTruncated
			}
			n := binary.BigEndian.Uint32(data[off : off+4])
			if uint64(n) > uint64(len(data)) {
				return Message{}, ErrTruncated
			}
			payloadLen = int(n)
			off += 4
		}

		idLen := 0
		if header&flagIL != 0 {
			if off >= len(data) {
				return Message{}, ErrTruncated
			}
			idLen = int(data[off])
			off++
		}

		if off+typeLen+idLen+payloadLen > len(data) {
			return Message{}, ErrTruncated
		}
		rec := Record{TNF: TNF(header & tnfMask)}
		rec.Type = append([]byte(nil), data[off:off+typeLen]...)
		off += typeLen
		rec.ID = append([]byte(nil), data[off:off+idLen]...)
		off += idLen
		rec.Payload = append([]byte(nil), data[off:off+payloadLen]...)
		off += payloadLen
		msg.Records = append(msg.Records, rec)

		if header&flagME != 0 {
			break
		}
	}
	return msg, nil
}

// MarshalBinary encodes the message. Short record form is used for payloads
// under 256 bytes.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Records) == 0 {
		return nil, ErrEmpty
	}
	var out []byte
	for i, rec := range m.Records {
		if len(rec.Type) > 0xff || len(rec.ID) > 0xff {
			return nil, fmt.Errorf("ndef: record %d: type or id longer than 255 bytes", i)
		}
		header := byte(rec.TNF) & tnfMask
		if i == 0 {
			header |= flagMB
		}
		if i == len(m.Records)-1 {
			header |= flagME
		}
		short := len(rec.Payload) < 0x100
		if short {
			header |= flagSR
		}
		if len(rec.ID) > 0 {
			header |= flagIL
		}
		out = append(out, header, byte(len(rec.Type)))
		if short {
			out = append(out, byte(len(rec.Payload)))
		} else {
			out = binary.BigEndian.AppendUint32(out, uint32(len(rec.Payload)))
		}
		if len(rec.ID) > 0 {
			out = append(out, byte(len(rec.ID)))
		}
		out = append(out, rec.Type...)
		out = append(out, rec.ID...)
		out = append(out, rec.Payload...)
	}
	return out, nil
}

// NewMessage builds a message from records.
func NewMessage(records ...Record) Message {
	return Message{Records: records}
}

// NewMediaRecord builds a MIME media record.
func NewMediaRecord(mimeType string, payload []byte) Record {
	return Record{TNF: TNFMediaType, Type: []byte(mimeType), Payload: payload}
}

// NewExternalRecord builds an external type record.
func NewExternalRecord(typ string, payload []byte) Record {
	return Record{TNF: TNFExternal, Type: []byte(typ), Payload: payload}
}
