package admission

import "testing"

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  Alice  ":                   "Alice",
		"Bob\t\n Smith":               "Bob Smith",
		"<script>alert('x')</script>": "scriptalert(x)/script",
		"Ze\u0301":                    "Z\u00e9",
		"a\u200bb":                    "ab",
		"Tom & \"Jerry\"":             "Tom Jerry",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateName_RuneLength(t *testing.T) {
	t.Parallel()

	name := ""
	for i := 0; i < 50; i++ {
		name += "é"
	}
	if _, err := ValidateName("test", name); err != nil {
		t.Fatalf("50 runes should pass: %v", err)
	}
	if _, err := ValidateName("test", name+"é"); err == nil {
		t.Fatalf("51 runes should fail")
	}
}
