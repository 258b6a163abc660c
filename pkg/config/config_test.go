package config

import (
	"testing"
)

func TestApplySubstitutePath(t *testing.T) {
	c := &Config{SubstitutePath: SubstitutePathRules{
		{From: "/build/src", To: "/home/me/src"},
		{From: "/build", To: "/tmp"},
	}}

	for _, tc := range []struct {
		in, want string
	}{
		{"/build/src/ke/clock.c", "/home/me/src/ke/clock.c"},
		{"/build/other.c", "/tmp/other.c"},
		{"/usr/include/stdio.h", "/usr/include/stdio.h"},
	} {
		if got := c.ApplySubstitutePath(tc.in); got != tc.want {
			t.Errorf("ApplySubstitutePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
