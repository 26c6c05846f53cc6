package anidb

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/unicode"
)

// Param is one key=value pair of a request line.
type Param struct {
	Key   string
	Value string
}

// Params keeps request parameters in the order they are written.
type Params []Param

// With returns a copy of p with k=v appended.
func (p Params) With(k, v string) Params {
	out := make(Params, len(p), len(p)+1)
	copy(out, p)
	return append(out, Param{Key: k, Value: v})
}

// Get returns the value of the first parameter named k.
func (p Params) Get(k string) (string, bool) {
	for _, kv := range p {
		if kv.Key == k {
			return kv.Value, true
		}
	}
	return "", false
}

// Keys lists parameter names. Used for logging without values.
func (p Params) Keys() []string {
	keys := make([]string, len(p))
	for i, kv := range p {
		keys[i] = kv.Key
	}
	return keys
}

var valueEscaper = strings.NewReplacer("&", "&amp;", "\r\n", "<br />", "\n", "<br />")

// Encode renders a request line: "CMD k1=v1&k2=v2".
func Encode(command string, params Params) string {
	var b strings.Builder
	b.WriteString(command)
	for i, kv := range params {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(valueEscaper.Replace(kv.Value))
	}
	return b.String()
}

// ParseStatus reads the return code at the start of a response.
func ParseStatus(raw string) (ReturnCode, error) {
	if len(raw) < 3 {
		return 0, malformed(0, raw, "response shorter than a status code")
	}
	n, err := strconv.Atoi(raw[:3])
	if err != nil || n < 100 {
		return 0, malformed(0, raw, "no status code")
	}
	if len(raw) > 3 && raw[3] != ' ' && raw[3] != '\n' {
		return 0, malformed(0, raw, "no status code")
	}
	return ReturnCode(n), nil
}

// splitTag separates a leading "tag " from a response. Tags always start
// with a letter, so an untagged response starting with a code returns "".
func splitTag(text string) (tag, rest string) {
	if text == "" || (text[0] >= '0' && text[0] <= '9') {
		return "", text
	}
	i := strings.IndexByte(text, ' ')
	if i < 0 {
		return text, ""
	}
	return text[:i], text[i+1:]
}

// lines splits a response into non-empty, trimmed lines.
func lines(raw string) []string {
	var out []string
	for _, ln := range strings.Split(raw, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

var fieldUnescaper = strings.NewReplacer("<br />", "\n", "`", "'")

// splitFields splits a data line on '|' and unescapes each field.
// The server writes ' inside a value as `.
func splitFields(line string) []string {
	parts := strings.Split(line, "|")
	for i, p := range parts {
		parts[i] = fieldUnescaper.Replace(p)
	}
	return parts
}

// splitList splits a multi-valued field on '\''; empty items are dropped.
func splitList(field string) []string {
	if field == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(field, "'") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Charset is the session encoding negotiated at login.
type Charset string

const (
	CharsetUTF8  Charset = "UTF8"
	CharsetUTF16 Charset = "UTF-16"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeDatagram(line string, cs Charset) ([]byte, error) {
	if cs == CharsetUTF16 {
		return utf16le.NewEncoder().Bytes([]byte(line))
	}
	return []byte(line), nil
}

// decodeDatagram turns a received datagram into text. Compressed replies
// start with two zero bytes followed by a deflate stream.
func decodeDatagram(b []byte, cs Charset) (string, error) {
	if len(b) >= 2 && b[0] == 0 && b[1] == 0 {
		out, err := inflate(b[2:])
		if err != nil {
			return "", fmt.Errorf("inflate: %w", err)
		}
		b = out
	}
	if cs == CharsetUTF16 {
		out, err := utf16le.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("decode utf-16: %w", err)
		}
		b = out
	}
	return strings.TrimRight(string(b), "\r\n\x00"), nil
}

// inflate accepts both zlib-wrapped and raw deflate payloads.
func inflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		defer zr.Close()
		if out, err := io.ReadAll(zr); err == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	return io.ReadAll(fr)
}
