// Package bencode implements the bencode serialization format used by
// torrent metainfo files and tracker responses.
package bencode

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// ErrNeedMoreBytes is returned when the input ends before a value is complete.
var ErrNeedMoreBytes = errors.New("bencode: need more bytes")

// Kind tags the variant a Value holds.
type Kind int

const (
	// KindInt marks a bencode integer.
	KindInt Kind = iota
	// KindString marks a bencode byte string.
	KindString
	// KindList marks a bencode list.
	KindList
	// KindDict marks a bencode dictionary.
	KindDict
)

// Value is a decoded bencode value. Exactly one of Int, Str, List or Dict
// is meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Int  int64
	Str  string
	List []Value
	Dict map[string]Value
}

// String returns a string-kind Value.
func String(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// Int returns an int-kind Value.
func Int(i int64) Value {
	return Value{Kind: KindInt, Int: i}
}

// List returns a list-kind Value.
func List(vs ...Value) Value {
	return Value{Kind: KindList, List: vs}
}

// Dict returns a dict-kind Value from a map. Keys are sorted on encode
// regardless of map iteration order.
func Dict(m map[string]Value) Value {
	return Value{Kind: KindDict, Dict: m}
}

// Get returns the value for key in a KindDict Value.
func (v Value) Get(key string) (Value, bool) {
	val, ok := v.Dict[key]
	return val, ok
}

// Decode parses the first complete bencode value from data and returns it
// along with the unconsumed remainder. It never reads past the first value.
func Decode(data []byte) (Value, []byte, error) {
	return decodeValue(data)
}

func decodeValue(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, ErrNeedMoreBytes
	}
	switch {
	case data[0] == 'i':
		return decodeInt(data)
	case data[0] == 'l':
		return decodeList(data)
	case data[0] == 'd':
		return decodeDict(data)
	case data[0] >= '0' && data[0] <= '9':
		return decodeString(data)
	default:
		return Value{}, nil, errors.Errorf("bencode: malformed value starting with %q", data[0])
	}
}

func decodeInt(data []byte) (Value, []byte, error) {
	end := indexByte(data, 'e')
	if end < 0 {
		return Value{}, nil, ErrNeedMoreBytes
	}
	digits := string(data[1:end])
	if err := validateIntGrammar(digits); err != nil {
		return Value{}, nil, err
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Value{}, nil, errors.Wrap(err, "bencode: malformed integer")
	}
	return Value{Kind: KindInt, Int: n}, data[end+1:], nil
}

func validateIntGrammar(digits string) error {
	if digits == "" {
		return errors.New("bencode: empty integer")
	}
	body := digits
	if body[0] == '-' {
		if body == "-" {
			return errors.New("bencode: malformed negative integer")
		}
		if body == "-0" {
			return errors.New("bencode: negative zero is not allowed")
		}
		body = body[1:]
	}
	if len(body) > 1 && body[0] == '0' {
		return errors.Errorf("bencode: leading zero in integer %q", digits)
	}
	for _, c := range body {
		if c < '0' || c > '9' {
			return errors.Errorf("bencode: non-digit in integer %q", digits)
		}
	}
	return nil
}

func decodeString(data []byte) (Value, []byte, error) {
	colon := indexByte(data, ':')
	if colon < 0 {
		return Value{}, nil, ErrNeedMoreBytes
	}
	lengthStr := string(data[:colon])
	length, err := strconv.ParseUint(lengthStr, 10, 63)
	if err != nil {
		return Value{}, nil, errors.Wrapf(err, "bencode: malformed string length %q", lengthStr)
	}
	start := colon + 1
	end := start + int(length)
	if end > len(data) {
		return Value{}, nil, ErrNeedMoreBytes
	}
	return Value{Kind: KindString, Str: string(data[start:end])}, data[end:], nil
}

func decodeList(data []byte) (Value, []byte, error) {
	rest := data[1:]
	var items []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, ErrNeedMoreBytes
		}
		if rest[0] == 'e' {
			return Value{Kind: KindList, List: items}, rest[1:], nil
		}
		val, next, err := decodeValue(rest)
		if err != nil {
			return Value{}, nil, err
		}
		items = append(items, val)
		rest = next
	}
}

func decodeDict(data []byte) (Value, []byte, error) {
	rest := data[1:]
	dict := make(map[string]Value)
	for {
		if len(rest) == 0 {
			return Value{}, nil, ErrNeedMoreBytes
		}
		if rest[0] == 'e' {
			return Value{Kind: KindDict, Dict: dict}, rest[1:], nil
		}
		keyVal, next, err := decodeValue(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if keyVal.Kind != KindString {
			return Value{}, nil, errors.New("bencode: dictionary key is not a byte string")
		}
		key := keyVal.Str
		// The BitTorrent spec forbids duplicate keys; the reference
		// client tolerates them with last-write-wins. We reject.
		if _, exists := dict[key]; exists {
			return Value{}, nil, errors.Errorf("bencode: duplicate dictionary key %q", key)
		}
		val, next2, err := decodeValue(next)
		if err != nil {
			return Value{}, nil, err
		}
		dict[key] = val
		rest = next2
	}
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}

// Encode serializes v to its canonical bencode representation. Dictionary
// keys are always emitted in ascending lexicographic order.
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
	case KindDict:
		buf = append(buf, 'd')
		keys := slices.Sorted(maps.Keys(v.Dict))
		for _, k := range keys {
			buf = strconv.AppendInt(buf, int64(len(k)), 10)
			buf = append(buf, ':')
			buf = append(buf, k...)
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
	default:
		panic(fmt.Sprintf("bencode: invalid kind %d", v.Kind))
	}
	return buf
}
