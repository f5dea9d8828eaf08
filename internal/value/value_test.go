package value

import "testing"

func TestValueRoundTrip(t *testing.T) {
	cases := []Value{
		NewBoolean(true),
		NewInteger(-42),
		NewLong(1 << 40),
		NewFloat(3.5),
		NewDouble(-2.25),
		NewString("hello world"),
		NewLink(PrimaryKey(7)),
		NewString("staged").ForStorage(1001),
	}
	for _, v := range cases {
		enc := v.Encode()
		got, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(enc) {
			t.Fatalf("decode consumed %d, want %d", n, len(enc))
		}
		if !got.Equal(v) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, v)
		}
	}
}

func TestValueEqualityVersioning(t *testing.T) {
	a := NewString("x").ForStorage(1)
	b := NewString("x").ForStorage(2)
	if a.Equal(b) {
		t.Fatal("forStorage values with different versions must be unequal")
	}
	c := NewString("x")
	if !a.Equal(c) || !c.Equal(a) {
		t.Fatal("notForStorage comparison must ignore version")
	}
}

func TestValueOrderingTotal(t *testing.T) {
	lo := NewInteger(5)
	hi := NewString("a")
	if lo.Compare(hi) >= 0 {
		t.Fatal("INTEGER must sort before STRING by type tag")
	}
	if NewString("a").Compare(NewString("b")) >= 0 {
		t.Fatal("string ordering must be lexicographic")
	}
	if NewLong(1).Compare(NewLong(2)) >= 0 {
		t.Fatal("long ordering must be numeric")
	}
}

func TestTimestampResolve(t *testing.T) {
	now := Now()
	if !now.IsNow() {
		t.Fatal("Now() must report IsNow")
	}
	if got := now.Resolve(func() uint64 { return 99 }); got != 99 {
		t.Fatalf("Now().Resolve = %d, want 99", got)
	}
	at := At(5)
	if at.IsNow() {
		t.Fatal("At() must not report IsNow")
	}
	if got := at.Resolve(func() uint64 { panic("should not be called") }); got != 5 {
		t.Fatalf("At(5).Resolve = %d, want 5", got)
	}
}
