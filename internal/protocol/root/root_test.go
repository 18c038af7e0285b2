package root

import (
	"errors"
	"reflect"
	"testing"
)

func TestPackUnpackPreservesOrder(t *testing.T) {
	in := Descriptor{3, 1, 0xFFFFFFFF, 0}
	out, err := Unpack(in.Pack())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: got=%v want=%v", out, in)
	}
}

func TestPackDoesNotMutate(t *testing.T) {
	in := Descriptor{7, 8, 9}
	snapshot := append(Descriptor(nil), in...)
	_ = in.Pack()
	_ = in.Key()
	_ = in.String()
	if !reflect.DeepEqual(in, snapshot) {
		t.Fatalf("descriptor mutated: %v", in)
	}
}

func TestUnpackRejectsRaggedInput(t *testing.T) {
	if _, err := Unpack([]byte{0, 0, 1}); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestEmptyDescriptor(t *testing.T) {
	var d Descriptor
	if len(d.Pack()) != 0 {
		t.Fatalf("expected empty packing")
	}
	if d.Key() != "-" {
		t.Fatalf("unexpected empty key %q", d.Key())
	}
	out, err := Unpack(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("unpack empty got=%v err=%v", out, err)
	}
}

func TestKeyDistinguishesOrder(t *testing.T) {
	if (Descriptor{1, 2}).Key() == (Descriptor{2, 1}).Key() {
		t.Fatalf("keys must depend on order")
	}
}

func TestParse(t *testing.T) {
	got, err := Parse(" 1, 2,0x10 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(got, Descriptor{1, 2, 16}) {
		t.Fatalf("unexpected parse result: %v", got)
	}
	if _, err := Parse("1,-2"); err == nil {
		t.Fatalf("expected error for negative value")
	}
	if _, err := Parse("4294967296"); err == nil {
		t.Fatalf("expected overflow error")
	}
	empty, err := Parse("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty parse got=%v err=%v", empty, err)
	}
}
