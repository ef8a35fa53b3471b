package nimbus

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer is the out-of-scope nonce-signing adapter spec.md assigns to the
// caller: the core never touches raw key material, it only asks a Signer
// to produce a signature over the nonce the broker sends during the
// connect handshake.
type Signer interface {
	Sign(nonce []byte) (signature []byte, err error)
}

// jwtExpired reports whether a user JWT used for UserJWTAndSeed auth has
// passed its exp claim. The core only needs expiry awareness (to raise
// auth_expired proactively instead of waiting on a broker round trip); it
// never verifies the signature, since it never holds the issuer's key.
func jwtExpired(rawJWT string) (bool, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(rawJWT, claims)
	if err != nil {
		return false, wrapf(ErrAuthViolation, err, "malformed user jwt")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, nil
	}
	return time.Now().After(exp.Time), nil
}
