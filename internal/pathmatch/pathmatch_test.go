package pathmatch

import "testing"

func TestSplitPath(t *testing.T) {
	cases := map[string][]string{
		"/users/123":    {"users", "123"},
		"users/123/":    {"users", "123"},
		"/":             {""},
		"":              {""},
		"/a/b/c":        {"a", "b", "c"},
	}
	for in, want := range cases {
		got := SplitPath(in)
		if len(got) != len(want) {
			t.Fatalf("SplitPath(%q) = %v, want %v", in, got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("SplitPath(%q) = %v, want %v", in, got, want)
			}
		}
	}
}

func TestIsEndpointMatch(t *testing.T) {
	cases := []struct {
		observed string
		template string
		want     bool
	}{
		{"/users/123", "/users/{id}", true},
		{"/users/123/orders/9", "/users/{id}/orders/{orderId}", true},
		{"/users/123", "/users/456", false},
		{"/users/123/extra", "/users/{id}", false},
		{"/users", "/users/{id}", false},
		{"/users/{id}", "/users/{id}", true},
		{"/", "/", true},
	}
	for _, c := range cases {
		observed := SplitPath(c.observed)
		got := IsEndpointMatch(observed, c.template)
		if got != c.want {
			t.Errorf("IsEndpointMatch(%q, %q) = %v, want %v", c.observed, c.template, got, c.want)
		}
	}
}

func TestLookupKey(t *testing.T) {
	if got := LookupKey("api.example.com", "POST"); got != "api.example.com-post" {
		t.Errorf("LookupKey = %q, want api.example.com-post", got)
	}
}
