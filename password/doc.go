// Package password computes and verifies self-describing salted password digests.
//
// # Output format
//
// Every digest carries its algorithm tag, cost parameters and salt inline:
//
//	$pbkdf2-sha512$<rounds>$<salt>$<key>
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// [Verify] reconstructs the parameters from the digest alone, so digests stay valid
// when the configured policy changes. [Hasher.NeedsRehash] reports digests produced
// with weaker parameters than the current policy.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Import any other authgate package.
//   - Log plaintext passwords or digests.
package password
