package fingerprint

import "testing"

func TestOf_KnownDigest(t *testing.T) {
	got := Of([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Of(abc) = %q, want %q", got, want)
	}
}

func TestOf_IgnoresName(t *testing.T) {
	a := Of([]byte("same bytes"))
	b := Of([]byte("same bytes"))
	if a != b {
		t.Errorf("identical content produced different fingerprints: %q vs %q", a, b)
	}
	if Of([]byte("same bytes ")) == a {
		t.Error("different content produced the same fingerprint")
	}
}

func TestValid(t *testing.T) {
	if !Valid(Of(nil)) {
		t.Error("fingerprint of empty input should be valid")
	}
	for _, s := range []string{"", "abc", "zz" + Of(nil)[2:], Of(nil) + "0"} {
		if Valid(s) {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}

func TestShort(t *testing.T) {
	fp := Of([]byte("x"))
	if got := Short(fp); len(got) != 12 || got != fp[:12] {
		t.Errorf("Short = %q", got)
	}
	if got := Short("abc"); got != "abc" {
		t.Errorf("Short(abc) = %q", got)
	}
}
