// Package auth issues and verifies the bearer tokens used by remote
// configuration editors and presentation layers.
//
// Tokens are HS256 JWTs carrying a role. Every token id (jti) is recorded
// in the editor_tokens table so a token can be revoked before it expires;
// Verify checks both the signature and the revocation record.
//
// Roles form a ladder: viewer reads fields and configuration, editor also
// writes fields and submits configuration edits, installer also runs
// structural network operations and driver extension commands, manages
// tokens and reads the action journal.
package auth
