package app

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/putto11262002/chatsync/chat"
)

var ErrNoIdentity = errors.New("token carries no user identity")

// IdentityFromToken extracts the local user from the bearer token's claims
// without verifying the signature: the client has no key material, and the
// identity is used only for display decisions (self-typing exclusion, own
// message styling, read-receipt scanning). The broker re-authenticates the
// token on every connection and request.
func IdentityFromToken(token string) (chat.Identity, error) {
	var claims jwt.MapClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return chat.Identity{}, fmt.Errorf("parse token: %w", err)
	}

	id, ok := numericClaim(claims, "user_id")
	if !ok {
		// Some token issuers put the user id in the subject.
		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			if n, err := strconv.ParseInt(sub, 10, 64); err == nil {
				id, ok = n, true
			}
		}
	}
	if !ok {
		return chat.Identity{}, ErrNoIdentity
	}

	username, _ := claims["username"].(string)
	return chat.Identity{ID: id, Username: username}, nil
}

func numericClaim(claims jwt.MapClaims, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
