// Package webhook implements the subscription handshake used by Meta platforms
// (WhatsApp Business, Instagram, Messenger) to confirm webhook ownership.
package webhook

import (
	"crypto/subtle"
	"errors"
)

// ModeSubscribe is the only handshake mode that can succeed.
const ModeSubscribe = "subscribe"

// ErrForbidden is returned when the handshake does not match.
var ErrForbidden = errors.New("forbidden")

// Verify returns challenge when mode is "subscribe" and token equals the
// expected verify token. An empty expected token never matches.
func Verify(mode, token, challenge, expected string) (string, error) {
	if mode != ModeSubscribe || expected == "" {
		return "", ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return "", ErrForbidden
	}
	return challenge, nil
}

// Query holds handshake parameters as sent by the platform.
type Query struct {
	Mode      string
	Token     string
	Challenge string
}

// ParseQuery reads the hub parameters, accepting both "hub.mode" and the
// "hub_mode" spelling some proxies rewrite to.
func ParseQuery(get func(string) string) Query {
	pick := func(keys ...string) string {
		for _, key := range keys {
			if value := get(key); value != "" {
				return value
			}
		}
		return ""
	}
	return Query{
		Mode:      pick("hub.mode", "hub_mode"),
		Token:     pick("hub.verify_token", "hub_verify_token"),
		Challenge: pick("hub.challenge", "hub_challenge"),
	}
}
