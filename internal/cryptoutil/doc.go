// Package cryptoutil provides small hashing helpers shared by the
// bundle and pointer layers: SHA-256 hex digests and constant-time
// comparison of hex-encoded hashes.
package cryptoutil
