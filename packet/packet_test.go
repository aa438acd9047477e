// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"

	"github.com/creachadair/tether/packet"
	"github.com/google/go-cmp/cmp"
)

func TestUvarint(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		{0, "\x00"},
		{1, "\x01"},
		{127, "\x7f"},
		{128, "\x80\x01"},
		{999, "\xe7\x07"},
		{16384, "\x80\x80\x01"},
		{1<<64 - 1, "\xff\xff\xff\xff\xff\xff\xff\xff\xff\x01"},
	}

	var packed packet.Builder
	for _, tc := range tests {
		var b packet.Builder
		b.Uvarint(tc.input)
		if got := string(b.Bytes()); got != tc.want {
			t.Errorf("Encode %d: got %q, want %q", tc.input, got, tc.want)
		}
		packed.Uvarint(tc.input)
	}

	// The encoding is self-framing, so the concatenation decodes in order.
	s := packet.NewScanner(packed.Bytes())
	for i := 0; s.Len() != 0; i++ {
		got, err := s.Uvarint()
		if err != nil {
			t.Fatalf("Invalid encoding at offset %d (%q): %v", s.Offset(), s.Rest(), err)
		} else if i >= len(tests) {
			t.Fatalf("Index %d: got extra value %d", i, got)
		} else if got != tests[i].input {
			t.Errorf("Index %d: got %d, want %d", i, got, tests[i].input)
		}
	}
}

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(true)
	b.Put(5, 9, 100)
	b.Uint32(0xfc009a01)
	b.Uint64(0x0102030405060708)
	b.Int64(-2)
	b.Uvarint(999)
	b.VPutString("apple")
	b.VPut([]byte("pear"))
	b.PutString("xyzzy")

	const want = "\x01\x05\x09\x64\xfc\x00\x9a\x01\x01\x02\x03\x04\x05\x06\x07\x08" +
		"\xff\xff\xff\xff\xff\xff\xff\xfe\xe7\x07\x05apple\x04pearxyzzy"

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Byte 3", s.Byte, 100)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Uint64", s.Uint64, 0x0102030405060708)
	check(t, "Int64", s.Int64, -2)
	check(t, "Uvarint", s.Uvarint, 999)
	check(t, "VString", func() (string, error) { return packet.VGet[string](s) }, "apple")
	check(t, "VBytes", func() ([]byte, error) { return packet.VGet[[]byte](s) }, []byte("pear"))
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "xyzzy")

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}
	if _, err := s.Byte(); !errors.Is(err, io.EOF) {
		t.Errorf("Byte at end: got %v, want %v", err, io.EOF)
	}
}

func TestTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input string
		scan  func(*packet.Scanner) error
	}{
		{"Uint32", "\x01\x02", func(s *packet.Scanner) error { _, err := s.Uint32(); return err }},
		{"Uint64", "\x01\x02\x03", func(s *packet.Scanner) error { _, err := s.Uint64(); return err }},
		{"Uvarint", "\x80\x80", func(s *packet.Scanner) error { _, err := s.Uvarint(); return err }},
		{"VGet", "\x05abc", func(s *packet.Scanner) error { _, err := packet.VGet[string](s); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.scan(packet.NewScanner(tc.input))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("Scan %q: got %v, want %v", tc.input, err, io.ErrUnexpectedEOF)
			}
		})
	}
}

func TestVLen(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 20000} {
		var b packet.Builder
		b.VPut(make([]byte, n))
		if got := packet.VLen(n); got != b.Len() {
			t.Errorf("VLen(%d) = %d, want %d", n, got, b.Len())
		}
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s result (-want, +got):\n%s", label, diff)
	}
}
