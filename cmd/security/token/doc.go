// Package token hashes short-lived credential artifacts (verification codes
// and possession tokens) before they reach the store.
//
// With a key configured the digest is HMAC-SHA256(token, key); without one it
// falls back to SHA-256 for development. Output is always 64 hex chars.
//
// Environment:
//   - STANDUP_TOKEN_HMAC_KEY: when set, enables HMAC mode.
package token
