// Package bencode implements the four bencode value kinds used by
// BitTorrent metainfo files, tracker responses, and extension-protocol
// payloads: byte strings, integers, lists, and dictionaries.
//
// Dictionary keys are always emitted in sorted order on Encode, which
// is what makes the info-hash computation in package metainfo
// reproducible: re-encoding a dictionary that was already
// lexicographically ordered on the wire reproduces the original bytes
// exactly.
package bencode

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the active field of a Value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a decoded bencode value. Exactly one of Bytes, Int, List or
// Dict is meaningful, selected by Kind. Byte-strings are kept as raw
// bytes rather than Go strings: the "pieces" field of an info
// dictionary is a concatenation of SHA-1 digests, not valid UTF-8.
type Value struct {
	Kind Kind
	Bytes []byte
	Int   int64
	List  []*Value
	Dict  map[string]*Value
}

// String builds a string-kind Value.
func String(b []byte) *Value { return &Value{Kind: KindString, Bytes: b} }

// Int64 builds an int-kind Value.
func Int64(i int64) *Value { return &Value{Kind: KindInt, Int: i} }

// List builds a list-kind Value.
func List(v []*Value) *Value { return &Value{Kind: KindList, List: v} }

// Dict builds a dict-kind Value.
func Dict(v map[string]*Value) *Value { return &Value{Kind: KindDict, Dict: v} }

// MalformedBencodeError reports where in the input decoding failed and why.
type MalformedBencodeError struct {
	Offset int
	Reason string
}

func (e *MalformedBencodeError) Error() string {
	return fmt.Sprintf("malformed bencode at offset %d: %s", e.Offset, e.Reason)
}

func malformed(offset int, reason string) error {
	return &MalformedBencodeError{Offset: offset, Reason: reason}
}

// Decode decodes the bencode value at the start of data, returning the
// value and the number of bytes consumed. Trailing bytes are left
// unconsumed; callers decoding a stream of concatenated values (none
// of our wire formats do, but the property is useful for testing) can
// call Decode again on data[n:].
func Decode(data []byte) (*Value, int, error) {
	return decodeAt(data, 0)
}

func decodeAt(data []byte, offset int) (*Value, int, error) {
	if offset >= len(data) {
		return nil, offset, malformed(offset, "unexpected end of input")
	}
	switch data[offset] {
	case 'i':
		return decodeInt(data, offset)
	case 'l':
		return decodeList(data, offset)
	case 'd':
		return decodeDict(data, offset)
	default:
		return decodeString(data, offset)
	}
}

func decodeString(data []byte, offset int) (*Value, int, error) {
	start := offset
	colon := -1
	for i := offset; i < len(data); i++ {
		if data[i] == ':' {
			colon = i
			break
		}
		if data[i] < '0' || data[i] > '9' {
			return nil, start, malformed(start, "expected digit or ':' in string length")
		}
	}
	if colon < 0 {
		return nil, start, malformed(start, "unterminated string length")
	}
	length, err := strconv.ParseInt(string(data[offset:colon]), 10, 64)
	if err != nil || length < 0 {
		return nil, start, malformed(start, "invalid string length")
	}
	begin := colon + 1
	end := begin + int(length)
	if end > len(data) {
		return nil, start, malformed(start, "string runs past end of input")
	}
	buf := make([]byte, length)
	copy(buf, data[begin:end])
	return String(buf), end, nil
}

func decodeInt(data []byte, offset int) (*Value, int, error) {
	start := offset
	end := -1
	for i := offset + 1; i < len(data); i++ {
		if data[i] == 'e' {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, start, malformed(start, "unterminated integer")
	}
	digits := string(data[offset+1 : end])
	if digits == "" || digits == "-" {
		return nil, start, malformed(start, "empty integer")
	}
	if (len(digits) > 1 && digits[0] == '0') ||
		(len(digits) > 1 && digits[0] == '-' && digits[1] == '0') {
		return nil, start, malformed(start, "integer has a leading zero")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, start, malformed(start, "invalid integer")
	}
	return Int64(n), end + 1, nil
}

func decodeList(data []byte, offset int) (*Value, int, error) {
	start := offset
	pos := offset + 1
	var items []*Value
	for {
		if pos >= len(data) {
			return nil, start, malformed(start, "unterminated list")
		}
		if data[pos] == 'e' {
			return List(items), pos + 1, nil
		}
		v, next, err := decodeAt(data, pos)
		if err != nil {
			return nil, start, err
		}
		items = append(items, v)
		pos = next
	}
}

func decodeDict(data []byte, offset int) (*Value, int, error) {
	start := offset
	pos := offset + 1
	items := make(map[string]*Value)
	for {
		if pos >= len(data) {
			return nil, start, malformed(start, "unterminated dictionary")
		}
		if data[pos] == 'e' {
			return Dict(items), pos + 1, nil
		}
		key, next, err := decodeAt(data, pos)
		if err != nil {
			return nil, start, err
		}
		if key.Kind != KindString {
			return nil, start, malformed(pos, "dictionary key is not a string")
		}
		pos = next
		val, next, err := decodeAt(data, pos)
		if err != nil {
			return nil, start, err
		}
		items[string(key.Bytes)] = val
		pos = next
	}
}

// Encode re-serializes a Value. Dictionary keys are always written in
// sorted order, which is what makes Encode(Decode(x)) == x hold for
// any x whose keys were already sorted on the wire (spec.md §8.1) —
// and is the basis of the info-hash computation in package metainfo.
func Encode(v *Value) []byte {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v *Value) []byte {
	switch v.Kind {
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Bytes)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Bytes...)
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = strconv.AppendInt(buf, int64(len(k)), 10)
			buf = append(buf, ':')
			buf = append(buf, k...)
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
	}
	return buf
}

// ToAny converts a Value into plain Go data (string, int64, []any,
// map[string]any) suitable for json.Marshal — used by the CLI's
// "decode" subcommand to print bencoded values the way the BitTorrent
// spec examples expect. Byte-strings that are not valid UTF-8 are
// converted lossily; none of our CLI-facing decode targets are binary.
func ToAny(v *Value) any {
	switch v.Kind {
	case KindString:
		return string(v.Bytes)
	case KindInt:
		return v.Int
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = ToAny(item)
		}
		return out
	case KindDict:
		out := make(map[string]any, len(v.Dict))
		for k, item := range v.Dict {
			out[k] = ToAny(item)
		}
		return out
	default:
		return nil
	}
}
