package mvdb

import (
	"errors"
	"log/slog"
	"testing"
)

func TestHexHelpers(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	if got := hexstr([]byte{0xAA, 0xBB}); got != "aabb" {
		t.Fatalf("hexstr = %q, wanted aabb", got)
	}
	a := hexAttr("k", []byte{0xAA})
	if a.Key != "k" || a.Value.Kind() != slog.KindString || a.Value.String() != "aa" {
		t.Fatalf("hexAttr returned unexpected attr: %+v", a)
	}
}

func TestMustPanics(t *testing.T) {
	boom := errors.New("boom")
	defer func() {
		if p := recover(); p != boom {
			t.Fatalf("recover() = %v, wanted %v", p, boom)
		}
	}()
	must(0, boom)
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"p1", "p1"},
		{"before_upgrade", "before_upgrade"},
		{"1p", `"1p"`},
		{"with space", `"with space"`},
		{"", `""`},
	}
	for _, tt := range tests {
		if got := quoteIdent(tt.in); got != tt.out {
			t.Errorf("quoteIdent(%q) = %s, wanted %s", tt.in, got, tt.out)
		}
	}
}
