package detector

import "testing"

func TestXSS(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"script tag", `<script>alert(1)</script>`, true},
		{"event handler", `<img src=x onerror="alert(1)">`, true},
		{"javascript uri", `href="javascript:alert(1)"`, true},
		{"plain text", "hello world", false},
		{"too short", "<b>", false},
		{"empty", "", false},
		{"ordinary json value", `{"name":"bob"}`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := XSS(c.in); got != c.want {
				t.Errorf("XSS(%q) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestSQLi(t *testing.T) {
	cases := []struct {
		name        string
		in          string
		wantMatch   bool
		wantFinger  string
	}{
		{"tautology", "1 OR 1=1", true, "boolean_tautology"},
		{"union select", "1 UNION SELECT username, password FROM users", true, "union_select"},
		{"stacked query", "1; DROP TABLE users", true, "stacked_query"},
		{"sleep timing", "1 OR SLEEP(5)", true, "sleep_timing"},
		{"clean value", "42", false, ""},
		{"empty", "", false, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			match, fp := SQLi(c.in)
			if match != c.wantMatch {
				t.Fatalf("SQLi(%q) match = %v, want %v", c.in, match, c.wantMatch)
			}
			if c.wantFinger != "" && fp != c.wantFinger {
				t.Errorf("SQLi(%q) fingerprint = %q, want %q", c.in, fp, c.wantFinger)
			}
		})
	}
}

func TestDetectSensitiveData(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"email", "contact me at jane.doe@example.com please", []string{"EMAIL"}},
		{"ssn", "my ssn is 123-45-6789", []string{"SSN"}},
		{"credit card", "card: 4111 1111 1111 1111", []string{"CREDIT_CARD"}},
		{"nothing", "just a regular string", nil},
		{"empty", "", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DetectSensitiveData(c.in)
			if len(c.want) == 0 {
				if len(got) != 0 {
					t.Fatalf("DetectSensitiveData(%q) = %v, want empty", c.in, got.Slice())
				}
				return
			}
			gotSlice := got.Slice()
			if len(gotSlice) != len(c.want) {
				t.Fatalf("DetectSensitiveData(%q) = %v, want %v", c.in, gotSlice, c.want)
			}
			for i, tag := range c.want {
				if gotSlice[i] != tag {
					t.Errorf("DetectSensitiveData(%q)[%d] = %q, want %q", c.in, i, gotSlice[i], tag)
				}
			}
		})
	}
}
