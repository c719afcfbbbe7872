// Package parse implements the brittle wire-format parsers used by
// collectors: NSArchiver string extraction, lsof connection tables, and
// offset-resumable JSONL transcripts. Every parser tolerates truncated
// or malformed input and returns an empty or partial result instead of
// an error.
package parse

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

var (
	nsStringMarker = []byte("NSString")
	stringTypeTag  = []byte{0x01, '+'}
)

// ExtractArchivedText pulls the plain text out of an NSArchiver
// attributedBody blob. The text follows the NSString class marker and a
// \x01+ type tag, prefixed by a single unsigned length byte; invalid
// UTF-8 is decoded with replacement runes. A missing marker or tag, or
// a blob too short for the declared length, yields "".
//
// The single length byte means the format cannot represent strings
// longer than 255 bytes. Longer payloads arrive truncated on the wire;
// that is a property of the format, not of this parser.
func ExtractArchivedText(blob []byte) string {
	idx := bytes.Index(blob, nsStringMarker)
	if idx < 0 {
		return ""
	}

	rest := blob[idx+len(nsStringMarker):]
	tag := bytes.Index(rest, stringTypeTag)
	if tag < 0 {
		return ""
	}

	lengthOffset := tag + len(stringTypeTag)
	if lengthOffset >= len(rest) {
		return ""
	}

	textLen := int(rest[lengthOffset])
	textStart := lengthOffset + 1
	if textStart+textLen > len(rest) {
		return ""
	}

	return decodeLossy(rest[textStart : textStart+textLen])
}

// decodeLossy converts bytes to a string, replacing invalid UTF-8
// sequences with the replacement rune.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
