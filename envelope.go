package mqttv3

import (
	"errors"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// envelopeJSON renders envelopes without HTML escaping, so values reach the
// platform unchanged.
var envelopeJSON = jsoniter.Config{EscapeHTML: false}.Froze()

// ErrTimestampCount is returned by SerializeList when timestamps do not
// line up with values.
var ErrTimestampCount = errors.New("timestamp count does not match value count")

// SerializeKeyValue renders one telemetry value: {"key":"value"}, or with a
// non-zero timestamp {"<timestamp>":{"key":"value"}}.
func SerializeKeyValue(key, value string, timestamp int64) string {
	stream := envelopeJSON.BorrowStream(nil)
	defer envelopeJSON.ReturnStream(stream)

	stream.WriteObjectStart()
	if timestamp != 0 {
		stream.WriteObjectField(strconv.FormatInt(timestamp, 10))
		stream.WriteObjectStart()
	}
	stream.WriteObjectField(key)
	stream.WriteString(value)
	if timestamp != 0 {
		stream.WriteObjectEnd()
	}
	stream.WriteObjectEnd()

	return string(stream.Buffer())
}

// SerializeList renders a series of values for one key:
// {"key":[{"timestamp":t,"value":"v"},...]}. A zero or missing timestamp is
// rendered as "". timestamps may be nil.
func SerializeList(key string, values []string, timestamps []int64) (string, error) {
	if timestamps != nil && len(timestamps) != len(values) {
		return "", ErrTimestampCount
	}

	stream := envelopeJSON.BorrowStream(nil)
	defer envelopeJSON.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField(key)
	stream.WriteArrayStart()
	for i, value := range values {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectStart()
		stream.WriteObjectField("timestamp")
		if timestamps == nil || timestamps[i] == 0 {
			stream.WriteString("")
		} else {
			stream.WriteInt64(timestamps[i])
		}
		stream.WriteMore()
		stream.WriteObjectField("value")
		stream.WriteString(value)
		stream.WriteObjectEnd()
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return "", stream.Error
	}
	return string(stream.Buffer()), nil
}

// GetValue returns the value of the first key/value pair named key.
// Quoted values are returned unquoted, nested objects and arrays as their
// inner text without the enclosing brackets. Malformed or truncated input
// yields ("", false).
func GetValue(doc, key string) (string, bool) {
	value, _, ok := Lookup(doc, -1, key)
	return value, ok
}

// GetValueAt returns the key/value pair at position index, counting pairs
// in document order without descending into values.
func GetValueAt(doc string, index int) (key, value string, ok bool) {
	if index < 0 {
		return "", "", false
	}
	value, key, ok = Lookup(doc, index, "")
	return key, value, ok
}

// Lookup finds a pair by key when index is -1, otherwise by position. It
// returns the value and the key of the pair found.
func Lookup(doc string, index int, key string) (value, foundKey string, ok bool) {
	sc := pairScanner{doc: doc}
	for n := 0; ; n++ {
		k, v, ok := sc.next()
		if !ok {
			return "", "", false
		}
		if (index < 0 && k == key) || n == index {
			return v, k, true
		}
	}
}

// pairScanner walks "key":value pairs. Brackets and commas between pairs
// are structure; a value is consumed whole, so pairs nested inside it are
// not visited.
type pairScanner struct {
	doc string
	pos int
}

func (s *pairScanner) next() (key, value string, ok bool) {
	for s.pos < len(s.doc) {
		switch c := s.doc[s.pos]; c {
		case '{', '}', '[', ']', ',', ' ', '\t', '\r', '\n':
			s.pos++
		case '"':
			return s.pair()
		default:
			return "", "", false
		}
	}
	return "", "", false
}

func (s *pairScanner) pair() (key, value string, ok bool) {
	key, ok = s.quoted()
	if !ok {
		return "", "", false
	}

	s.skipSpace()
	if s.pos >= len(s.doc) || s.doc[s.pos] != ':' {
		return "", "", false
	}
	s.pos++
	s.skipSpace()
	if s.pos >= len(s.doc) {
		return "", "", false
	}

	switch s.doc[s.pos] {
	case '"':
		value, ok = s.quoted()
	case '{', '[':
		value, ok = s.block()
	default:
		value, ok = s.bare()
	}
	return key, value, ok
}

// quoted consumes a string starting at the opening quote and returns it
// unescaped.
func (s *pairScanner) quoted() (string, bool) {
	start := s.pos
	escaped := false
	for i := start + 1; i < len(s.doc); i++ {
		switch c := s.doc[i]; {
		case c == '\\':
			escaped = true
			i++
		case c == '"':
			s.pos = i + 1
			raw := s.doc[start+1 : i]
			if !escaped {
				return raw, true
			}
			var out string
			if err := envelopeJSON.UnmarshalFromString(s.doc[start:i+1], &out); err != nil {
				return "", false
			}
			return out, true
		}
	}
	return "", false
}

// block consumes a balanced object or array and returns its inner text.
func (s *pairScanner) block() (string, bool) {
	start := s.pos
	depth := 0
	for i := start; i < len(s.doc); i++ {
		switch s.doc[i] {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				s.pos = i + 1
				return s.doc[start+1 : i], true
			}
		case '"':
			s.pos = i
			if _, ok := s.quoted(); !ok {
				return "", false
			}
			i = s.pos - 1
		}
	}
	return "", false
}

// bare consumes an unquoted number or literal up to the next delimiter.
func (s *pairScanner) bare() (string, bool) {
	start := s.pos
	end := strings.IndexAny(s.doc[start:], ",}]")
	if end < 0 {
		end = len(s.doc) - start
	}
	s.pos = start + end
	return strings.TrimSpace(s.doc[start:s.pos]), true
}

func (s *pairScanner) skipSpace() {
	for s.pos < len(s.doc) {
		switch s.doc[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		default:
			return
		}
	}
}
