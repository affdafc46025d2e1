package gstpipeline

import "testing"

func TestErrorCategoryString(t *testing.T) {
	cases := []struct {
		cat  ErrorCategory
		want string
	}{
		{ErrCategoryNetwork, "network"},
		{ErrCategoryCodec, "codec"},
		{ErrCategoryAuth, "auth"},
		{ErrCategoryUnknown, "unknown"},
		{ErrorCategory(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.cat.String(); got != c.want {
			t.Errorf("ErrorCategory(%d).String() = %q, want %q", c.cat, got, c.want)
		}
	}
}

func TestContainsAny(t *testing.T) {
	cases := []struct {
		s        string
		keywords []string
		want     bool
	}{
		{"connection refused by remote host", []string{"timeout", "connection"}, true},
		{"unsupported codec negotiation failed", []string{"codec", "format"}, true},
		{"totally unrelated message", []string{"auth", "network"}, false},
		{"", []string{"anything"}, false},
		{"mixed Case Message", []string{"case"}, false},
	}
	for _, c := range cases {
		if got := containsAny(c.s, c.keywords...); got != c.want {
			t.Errorf("containsAny(%q, %v) = %v, want %v", c.s, c.keywords, got, c.want)
		}
	}
}

func TestContainsAnyIsCaseSensitive(t *testing.T) {
	// containsAny itself does no case folding; callers (ClassifyError) are
	// responsible for lowercasing both the haystack and keywords first.
	if containsAny("CONNECTION", "connection") {
		t.Error("expected containsAny to be case-sensitive")
	}
}
