// Package obfuscate lightly obscures values kept in local preferences.
//
// This is obfuscation, not encryption: the key ships with the binary and
// anyone who reads it can reverse every token. It only keeps configuration
// from being readable at a glance.
package obfuscate

import (
	"encoding/base64"
	"errors"
	"unicode/utf8"
)

const key = "your-super-secret-key-that-is-not-so-secret"

// ErrMalformed is returned by Reveal when a token cannot be decoded.
var ErrMalformed = errors.New("obfuscate: malformed token")

// Obscure XORs plain against the fixed key and base64-encodes the result.
func Obscure(plain string) string {
	return base64.StdEncoding.EncodeToString(xor([]byte(plain)))
}

// Reveal reverses Obscure. It returns ErrMalformed instead of garbage when the
// token is not valid base64 or does not decode to UTF-8 text.
func Reveal(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrMalformed
	}
	plain := xor(raw)
	if !utf8.Valid(plain) {
		return "", ErrMalformed
	}
	return string(plain), nil
}

func xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
