package cache

import (
	"context"
	"sync/atomic"
)

// Token identifies a lock-holding call chain. Two calls share ownership of
// the coordinator's L1 lock only when they carry the same token, so a
// callback invoked during a locked section may re-enter with the token it
// inherited through context.
type Token struct {
	id uint64
}

var tokenSeq atomic.Uint64

type tokenCtxKey struct{}

// NewToken mints a fresh token with a unique id.
func NewToken() *Token {
	return &Token{id: tokenSeq.Add(1)}
}

// WithToken returns a context carrying an ownership token, reusing the one
// already present so nested calls stay within the same ownership chain.
func WithToken(ctx context.Context) (context.Context, *Token) {
	if tok, ok := TokenFrom(ctx); ok {
		return ctx, tok
	}
	tok := NewToken()
	return context.WithValue(ctx, tokenCtxKey{}, tok), tok
}

// TokenFrom extracts the ownership token from ctx, if any.
func TokenFrom(ctx context.Context) (*Token, bool) {
	tok, ok := ctx.Value(tokenCtxKey{}).(*Token)
	return tok, ok
}
