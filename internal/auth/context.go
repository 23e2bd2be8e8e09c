// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller on a request context.
package auth

import (
	"context"
	"strings"
)

type principalContextKey struct{}

var ctxPrincipalKey principalContextKey

// Principal identifies who made a request. ID is stable across requests from
// the same caller and is used as the rate-limit key.
type Principal struct {
	ID     string
	Method string
}

const (
	MethodToken     = "bearer"
	MethodAnonymous = "anonymous"
)

// WithPrincipal stores the caller on the request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

// PrincipalFromContext reads the caller stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(Principal)
	if !ok || strings.TrimSpace(p.ID) == "" {
		return Principal{}, false
	}
	return p, true
}
