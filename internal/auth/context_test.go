// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
)

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{ID: "api_token", Method: MethodToken})

	p, ok := PrincipalFromContext(ctx)
	if !ok {
		t.Fatal("expected principal in context")
	}
	if p.ID != "api_token" || p.Method != MethodToken {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestPrincipalMissingOrBlank(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal on empty context")
	}

	ctx := WithPrincipal(context.Background(), Principal{ID: "  "})
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("expected blank principal to be ignored")
	}
}
