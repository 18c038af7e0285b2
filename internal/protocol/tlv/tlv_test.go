package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		Bytes(1, []byte{0, 0, 0, 7}),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b, err := EncodeFields(in)
	if err != nil {
		t.Fatalf("encode fields: %v", err)
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	if v, err := U8(100, 2).AsU8(); err != nil || v != 2 {
		t.Fatalf("u8 got=%d err=%v", v, err)
	}
	if v, err := U32(101, 2001).AsU32(); err != nil || v != 2001 {
		t.Fatalf("u32 got=%d err=%v", v, err)
	}
	if v, err := String(102, "writer pool exhausted").AsString(); err != nil || v != "writer pool exhausted" {
		t.Fatalf("string got=%q err=%v", v, err)
	}
	if _, err := String(102, "x").AsU32(); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := (Field{ID: 100, Type: TypeU8, Value: []byte{1, 2}}).AsU8(); err == nil {
		t.Fatalf("expected invalid u8 length")
	}
}

func TestBytesCopiesInput(t *testing.T) {
	src := []byte{1, 2, 3}
	f := Bytes(1, src)
	src[0] = 9
	if f.Value[0] != 1 {
		t.Fatalf("field aliases caller buffer")
	}
}
