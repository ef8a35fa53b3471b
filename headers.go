package nimbus

import (
	"bytes"
	"strconv"
	"strings"
)

// statusHeaderLine is the first line of every header block.
const statusHeaderLine = "NATS/1.0"

// Well-known status codes carried on the header status line.
const (
	StatusControlMessage  = 100
	StatusNoResponders    = 503
	StatusNotFound        = 404
	StatusRequestTimeout  = 408
)

// Header is an ordered multimap: each key maps to an ordered list of
// string values, preserving insertion order, matching the broker's header
// block semantics (spec.md §3).
type Header struct {
	keys   []string
	values map[string][]string

	// Status is the optional numeric status code parsed from the first
	// header line (0 if absent).
	Status int
	// StatusDescription is the optional text following the status code.
	StatusDescription string
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

// Add appends a value for key, preserving any prior values.
func (h *Header) Add(key, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all existing values for key with value.
func (h *Header) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = []string{value}
}

// Get returns the first value for key, or "" if absent.
func (h *Header) Get(key string) string {
	vs := h.values[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns every value stored for key, in insertion order.
func (h *Header) Values(key string) []string {
	return h.values[key]
}

// Keys returns header keys in first-insertion order.
func (h *Header) Keys() []string {
	return h.keys
}

// Len reports the number of distinct keys in the header block; the status
// line is not counted.
func (h *Header) Len() int {
	return len(h.keys)
}

// encode renders the header block, status line first, terminated by the
// blank line the wire protocol requires between header and payload.
func (h *Header) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(statusHeaderLine)
	if h.Status != 0 {
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(h.Status))
		if h.StatusDescription != "" {
			buf.WriteByte(' ')
			buf.WriteString(h.StatusDescription)
		}
	}
	buf.WriteString("\r\n")
	for _, k := range h.keys {
		for _, v := range h.values[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// parseHeader decodes a complete header block (status line through the
// trailing blank line, CRLF-terminated) per spec.md §4.1.
func parseHeader(raw []byte) (*Header, error) {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], statusHeaderLine) {
		return nil, errf(ErrProtocol, "header block missing status line")
	}

	h := NewHeader()
	rest := strings.TrimSpace(strings.TrimPrefix(lines[0], statusHeaderLine))
	if rest != "" {
		fields := strings.SplitN(rest, " ", 2)
		code, err := strconv.Atoi(fields[0])
		if err != nil || len(fields[0]) != 3 {
			return nil, errf(ErrProtocol, "invalid status code %q", fields[0])
		}
		h.Status = code
		if len(fields) == 2 {
			h.StatusDescription = strings.TrimSpace(fields[1])
		}
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, errf(ErrProtocol, "malformed header line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		h.Add(key, val)
	}
	return h, nil
}
