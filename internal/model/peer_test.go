package model

import (
	"strings"
	"testing"
)

func TestParseRole(t *testing.T) {
	for _, role := range Roles {
		got, ok := ParseRole(" " + strings.ToUpper(string(role)) + " ")
		if !ok || got != role {
			t.Errorf("ParseRole(%q) = %q, %v", role, got, ok)
		}
	}
	for _, s := range []string{"", "admin", "consoles"} {
		if _, ok := ParseRole(s); ok {
			t.Errorf("ParseRole(%q) accepted", s)
		}
	}
}
