package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// MaxProperties is the largest property map a PROP_UPDATE frame can carry;
// the entry count is a single byte.
const MaxProperties = 255

var errTruncatedProps = errors.New("protocol: truncated property update")

// EncodeProperties appends the PROP_UPDATE payload for props to dst:
// a one-byte count, then each key and value as a varint length followed by
// the string bytes. Keys are written in ascending order.
//
// A map larger than MaxProperties is a programming error and panics.
func EncodeProperties(dst []byte, props map[string]string) []byte {
	if len(props) > MaxProperties {
		panic(fmt.Sprintf("protocol: %d properties exceed the limit of %d", len(props), MaxProperties))
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst = append(dst, byte(len(keys)))
	for _, k := range keys {
		dst = appendString(dst, k)
		dst = appendString(dst, props[k])
	}
	return dst
}

// PropertyFrame builds a complete PROP_UPDATE frame on the control channel.
func PropertyFrame(props map[string]string) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+1+len(props)*16)
	WriteHeader(buf, OpPropUpdate, 0, ControlChannel, 0)
	return EncodeProperties(buf, props)
}

// DecodeProperties parses a PROP_UPDATE payload.
func DecodeProperties(payload []byte) (map[string]string, error) {
	if len(payload) < 1 {
		return nil, errTruncatedProps
	}
	count := int(payload[0])
	rest := payload[1:]
	props := make(map[string]string, count)
	for i := 0; i < count; i++ {
		var k, v string
		var err error
		if k, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if v, rest, err = readString(rest); err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(buf []byte) (string, []byte, error) {
	n, w := binary.Uvarint(buf)
	if w <= 0 {
		return "", nil, errTruncatedProps
	}
	buf = buf[w:]
	if uint64(len(buf)) < n {
		return "", nil, errTruncatedProps
	}
	return string(buf[:n]), buf[n:], nil
}
