package ndef

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

const (
	statusUTF16    = 0x80
	statusLangMask = 0x3f
)

// NewTextRecord builds a UTF-8 well-known text record.
func NewTextRecord(lang, text string) Record {
	payload := make([]byte, 0, 1+len(lang)+len(text))
	payload = append(payload, byte(len(lang))&statusLangMask)
	payload = append(payload, lang...)
	payload = append(payload, text...)
	return Record{TNF: TNFWellKnown, Type: []byte(RTDText), Payload: payload}
}

// NewUTF16TextRecord builds a text record encoded as UTF-16 with a byte
// order mark.
func NewUTF16TextRecord(lang, text string) (Record, error) {
	encoded, err := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder().Bytes([]byte(text))
	if err != nil {
		return Record{}, fmt.Errorf("ndef: encode utf-16: %w", err)
	}
	payload := make([]byte, 0, 1+len(lang)+len(encoded))
	payload = append(payload, statusUTF16|byte(len(lang))&statusLangMask)
	payload = append(payload, lang...)
	payload = append(payload, encoded...)
	return Record{TNF: TNFWellKnown, Type: []byte(RTDText), Payload: payload}, nil
}

// DecodeText returns the text of a text record payload. The status byte's
// top bit selects UTF-16 over UTF-8 and its low six bits give the length of
// the language code that precedes the text.
func DecodeText(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("ndef: empty text payload")
	}
	status := payload[0]
	langLen := int(status & statusLangMask)
	if 1+langLen > len(payload) {
		return "", fmt.Errorf("ndef: language code length %d exceeds payload", langLen)
	}
	body := payload[1+langLen:]
	if status&statusUTF16 == 0 {
		if !utf8.Valid(body) {
			return "", errors.New("ndef: text is not valid utf-8")
		}
		return string(body), nil
	}
	decoded, err := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("ndef: decode utf-16: %w", err)
	}
	return string(decoded), nil
}
