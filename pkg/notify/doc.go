// Package notify delivers admin notifications for identity provider
// trouble: failed sync runs, providers disabled after repeated
// failures, and dead refresh tokens.
//
// Targets are registered webhook endpoints. Payloads are signed with
// HMAC-SHA256 (X-Idpsync-Signature, "sha256=" + hex) when the target
// has a secret, and may be formatted as a raw event or a Slack
// message. Failed deliveries are retried with exponential backoff by a
// background worker; every attempt lands in an in-memory delivery log.
//
// Verify a signature on the receiving side:
//
//	sig := r.Header.Get("X-Idpsync-Signature")
//	if !notify.VerifySignature(body, sig, secret) {
//		return errors.New("invalid signature")
//	}
package notify
