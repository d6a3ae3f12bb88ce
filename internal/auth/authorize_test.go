package auth

import (
	"context"
	"testing"
)

func TestPrincipalAuthenticated(t *testing.T) {
	var nilPrincipal *Principal
	cases := []struct {
		name string
		p    *Principal
		want bool
	}{
		{"nil", nilPrincipal, false},
		{"empty id", &Principal{EmailVerified: true}, false},
		{"unverified", &Principal{ID: "u1"}, false},
		{"verified", &Principal{ID: "u1", EmailVerified: true}, true},
	}
	for _, tc := range cases {
		if got := tc.p.Authenticated(); got != tc.want {
			t.Fatalf("%s: Authenticated()=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{ID: "u1", Role: RoleAdmin})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != "u1" || p.Role != RoleAdmin {
		t.Fatalf("unexpected principal %+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal")
	}
}
