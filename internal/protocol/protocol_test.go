package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/1ureka/rtun/internal/protocol"
)

// TestHeaderRoundTrip verifies that WriteHeader followed by ReadHeader
// yields the original fields for every opcode.
func TestHeaderRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		hdr  protocol.Header
	}{
		{"data", protocol.Header{Opcode: protocol.OpData, Channel: 7}},
		{"open request", protocol.Header{Opcode: protocol.OpOpenRequest, Channel: 7, Optional: 8080}},
		{"open confirm", protocol.Header{Opcode: protocol.OpOpenConfirm, Channel: 12}},
		{"open fault", protocol.Header{Opcode: protocol.OpOpenFault, Channel: 3, Optional: uint16(protocol.ErrCodeConnRefused)}},
		{"close", protocol.Header{Opcode: protocol.OpClose, Channel: 65535}},
		{"error", protocol.Header{Opcode: protocol.OpError, Channel: 1, Optional: uint16(protocol.ErrCodeBadChannel)}},
		{"prop update", protocol.Header{Opcode: protocol.OpPropUpdate, Channel: protocol.ControlChannel}},
		{"flags carried", protocol.Header{Opcode: protocol.OpData, Flags: 0xA5, Channel: 256}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, protocol.HeaderSize)
			n, err := protocol.WriteHeader(buf, tc.hdr.Opcode, tc.hdr.Flags, tc.hdr.Channel, tc.hdr.Optional)
			if err != nil {
				t.Fatalf("WriteHeader failed: %v", err)
			}
			if n != protocol.HeaderSize {
				t.Fatalf("WriteHeader wrote %d bytes, want %d", n, protocol.HeaderSize)
			}

			got, consumed, err := protocol.ReadHeader(buf)
			if err != nil {
				t.Fatalf("ReadHeader failed: %v", err)
			}
			if consumed != protocol.HeaderSize {
				t.Errorf("ReadHeader consumed %d bytes, want %d", consumed, protocol.HeaderSize)
			}
			if got != tc.hdr {
				t.Errorf("header mismatch: got %+v, want %+v", got, tc.hdr)
			}
		})
	}
}

// TestHeaderWireLayout pins the byte layout of an OPEN_REQUEST header.
func TestHeaderWireLayout(t *testing.T) {
	buf := make([]byte, protocol.HeaderSize)
	if _, err := protocol.WriteHeader(buf, protocol.OpOpenRequest, 0, 7, 8080); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	want := []byte{0x01, 0x00, 0x00, 0x07, 0x1F, 0x90}
	if !bytes.Equal(buf, want) {
		t.Errorf("wire bytes = % x, want % x", buf, want)
	}
}

// TestWriteHeaderZeroFillsOptional verifies that a frame without an optional
// value still carries two zero bytes at the end of the header.
func TestWriteHeaderZeroFillsOptional(t *testing.T) {
	buf := bytes.Repeat([]byte{0xFF}, protocol.HeaderSize)
	if _, err := protocol.WriteHeader(buf, protocol.OpClose, 0, 9, 0); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	if buf[4] != 0 || buf[5] != 0 {
		t.Errorf("optional bytes = % x, want 00 00", buf[4:6])
	}
}

// TestWriteHeaderShortBuffer verifies that WriteHeader refuses a destination
// smaller than HeaderSize.
func TestWriteHeaderShortBuffer(t *testing.T) {
	for _, size := range []int{0, 1, protocol.HeaderSize - 1} {
		_, err := protocol.WriteHeader(make([]byte, size), protocol.OpData, 0, 1, 0)
		if !errors.Is(err, protocol.ErrShortBuffer) {
			t.Errorf("size %d: got err %v, want ErrShortBuffer", size, err)
		}
	}
}

// TestReadHeaderShortFrame verifies that ReadHeader returns an error when
// the input is shorter than HeaderSize.
func TestReadHeaderShortFrame(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"1 byte", []byte{0x01}},
		{"5 bytes (one less than HeaderSize)", make([]byte, 5)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := protocol.ReadHeader(tc.data)
			if !errors.Is(err, protocol.ErrShortFrame) {
				t.Fatalf("got err %v, want ErrShortFrame", err)
			}
		})
	}
}

// TestDataFramePreservesPayload verifies that DataFrame copies the payload
// so later writes to the source do not leak into the frame.
func TestDataFramePreservesPayload(t *testing.T) {
	payload := []byte("hello, world")
	frame := protocol.DataFrame(7, payload)

	if len(frame) != protocol.HeaderSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), protocol.HeaderSize+len(payload))
	}
	hdr, n, err := protocol.ReadHeader(frame)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if hdr.Opcode != protocol.OpData || hdr.Channel != 7 {
		t.Errorf("header = %+v, want DATA on channel 7", hdr)
	}

	payload[0] = 'X'
	if !bytes.Equal(frame[n:], []byte("hello, world")) {
		t.Errorf("payload = %q, want %q", frame[n:], "hello, world")
	}
}

// TestControlFrameIsHeaderOnly verifies that control frames carry no payload.
func TestControlFrameIsHeaderOnly(t *testing.T) {
	frame := protocol.ControlFrame(protocol.OpError, 4, uint16(protocol.ErrCodeTimeout))
	if len(frame) != protocol.HeaderSize {
		t.Fatalf("frame length = %d, want %d", len(frame), protocol.HeaderSize)
	}
	hdr, _, err := protocol.ReadHeader(frame)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if protocol.ErrorCode(hdr.Optional) != protocol.ErrCodeTimeout {
		t.Errorf("error code = %v, want TIMEOUT", protocol.ErrorCode(hdr.Optional))
	}
}

// TestPropertyFrame verifies that a property map survives encoding and that
// keys are written in sorted order.
func TestPropertyFrame(t *testing.T) {
	props := map[string]string{
		"version": "1.4.2",
		"device":  "gateway-01",
		"empty":   "",
	}
	frame := protocol.PropertyFrame(props)

	hdr, n, err := protocol.ReadHeader(frame)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if hdr.Opcode != protocol.OpPropUpdate || hdr.Channel != protocol.ControlChannel {
		t.Fatalf("header = %+v, want PROP_UPDATE on control channel", hdr)
	}

	payload := frame[n:]
	if payload[0] != 3 {
		t.Errorf("count byte = %d, want 3", payload[0])
	}
	// first key after the count is "device": length 6 then the bytes
	if payload[1] != 6 || string(payload[2:8]) != "device" {
		t.Errorf("first key not in sorted order: % x", payload[1:8])
	}

	got, err := protocol.DecodeProperties(payload)
	if err != nil {
		t.Fatalf("DecodeProperties failed: %v", err)
	}
	if len(got) != len(props) {
		t.Fatalf("decoded %d entries, want %d", len(got), len(props))
	}
	for k, v := range props {
		if got[k] != v {
			t.Errorf("props[%q] = %q, want %q", k, got[k], v)
		}
	}
}

// TestEncodePropertiesLongValue verifies that values longer than 127 bytes
// use a multi-byte length prefix.
func TestEncodePropertiesLongValue(t *testing.T) {
	long := string(bytes.Repeat([]byte("a"), 300))
	payload := protocol.EncodeProperties(nil, map[string]string{"k": long})

	got, err := protocol.DecodeProperties(payload)
	if err != nil {
		t.Fatalf("DecodeProperties failed: %v", err)
	}
	if got["k"] != long {
		t.Errorf("long value corrupted: len %d, want %d", len(got["k"]), len(long))
	}
}

// TestDecodePropertiesTruncated verifies that DecodeProperties rejects
// payloads cut short at any point.
func TestDecodePropertiesTruncated(t *testing.T) {
	full := protocol.EncodeProperties(nil, map[string]string{"host": "example.org"})
	for i := 0; i < len(full); i++ {
		if _, err := protocol.DecodeProperties(full[:i]); err == nil {
			t.Errorf("truncated at %d: expected error, got nil", i)
		}
	}
}

// TestEncodePropertiesTooMany verifies that more than MaxProperties entries
// is rejected with a panic.
func TestEncodePropertiesTooMany(t *testing.T) {
	props := make(map[string]string, protocol.MaxProperties+1)
	for i := 0; i <= protocol.MaxProperties; i++ {
		props[string(rune('A'+i%26))+string(rune('0'+i/26))] = "v"
	}
	if len(props) != protocol.MaxProperties+1 {
		t.Fatalf("test setup produced %d keys", len(props))
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for oversized property map")
		}
	}()
	protocol.EncodeProperties(nil, props)
}

func TestOpcodeString(t *testing.T) {
	if s := protocol.OpOpenFault.String(); s != "OPEN_FAULT" {
		t.Errorf("OpOpenFault.String() = %q", s)
	}
	if s := protocol.Opcode(0x42).String(); s != "OPCODE(0x42)" {
		t.Errorf("unknown opcode String() = %q", s)
	}
	if s := protocol.ErrCodeNotForwarded.String(); s != "NOT_FORWARDED" {
		t.Errorf("ErrCodeNotForwarded.String() = %q", s)
	}
}
