// Package password provides session-password hashing and verification.
//
// Hashes are derived with PBKDF2-HMAC-SHA256 using a fresh random salt per
// call and are encoded in a self-describing string:
//
//	$pbkdf2-sha256$i=<iterations>$<salt_b64>$<key_b64>
//
// Verification re-derives with the embedded parameters and compares in
// constant time. Argon2id hashes ($argon2id$v=19$...) are also accepted by
// Verify. Hash strings are untrusted input during Verify: malformed or
// out-of-bounds encodings verify as false and never panic.
package password
