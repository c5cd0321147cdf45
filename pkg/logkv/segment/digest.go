package segment

import (
	"encoding/hex"

	blake3 "lukechampine.com/blake3"
)

// Digest is the BLAKE3-256 sum of a chunk payload. It ignores the COMPACT
// header, so a LOG file and a COMPACT file holding the same tuples in the
// same order have equal digests.
type Digest [32]byte

// PayloadDigest hashes a payload as returned by Files.Read.
func PayloadDigest(payload []byte) Digest {
	return blake3.Sum256(payload)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText renders the digest as hex in JSON reports.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
