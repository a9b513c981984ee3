package capability

import "time"

// Token is an immutable bundle of capabilities with audience, expiry, and
// attenuation chain. Once minted a Token is never
// mutated; attenuation always produces a new Token value.
type Token struct {
	Caps        []string
	Audience    string
	Expiry      time.Time
	DirectiveID string
	ThreadID    string
	TokenID     string
	ParentID    string // empty for a root token
}

// AttenuateToken returns a new Token for a child thread whose Caps are
// Attenuate(parent.Caps, childCaps): for each declared cap related to a
// cap in the parent's expanded set, the narrower of the two. ParentID on
// the result is set to the source token's
// TokenID. The parent token itself is never mutated.
func AttenuateToken(parent Token, childThreadID, childTokenID string, childCaps []string) Token {
	return Token{
		Caps:        Attenuate(parent.Caps, childCaps),
		Audience:    parent.Audience,
		Expiry:      parent.Expiry,
		DirectiveID: parent.DirectiveID,
		ThreadID:    childThreadID,
		TokenID:     childTokenID,
		ParentID:    parent.TokenID,
	}
}

// RootToken mints a token for a directive with no parent. Permissions
// declared at the root are taken as-is (they are still subject to the
// safety harness's risk classification before the token is trusted for
// dispatch).
func RootToken(tokenID, directiveID, threadID, audience string, expiry time.Time, caps []string) Token {
	return Token{
		Caps:        caps,
		Audience:    audience,
		Expiry:      expiry,
		DirectiveID: directiveID,
		ThreadID:    threadID,
		TokenID:     tokenID,
	}
}
