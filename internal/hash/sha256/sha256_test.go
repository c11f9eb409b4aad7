package sha256

import "testing"

func TestHasherHash(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"hello world": "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		"":            "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
	h := New()
	for in, want := range cases {
		got, err := h.Hash([]byte(in))
		if err != nil {
			t.Fatalf("Hash(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("Hash(%q) = %s, want %s", in, got, want)
		}
	}
}
