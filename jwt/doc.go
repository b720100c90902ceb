// Package jwt signs and verifies the short-lived tokens carried in
// identity-validation links. A link token names the stored one-time token (jti)
// and the action it was issued for (act), and expires with it.
package jwt
