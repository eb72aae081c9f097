package schema

import (
	"encoding/hex"

	"github.com/minio/highwayhash"
)

// Checksum is a 64-bit content hash of a document's raw bytes. It detects a
// document superseding another under the same SyncID, and keys caches of
// compiled artifacts.
type Checksum uint64

// checksumKey is the fixed HighwayHash key. It only needs to be stable for
// the lifetime of the process, but a fixed key keeps checksums comparable
// across restarts.
var checksumKey, _ = hex.DecodeString(
	"76616e746167652d646f632d6b657900000000000000000000000000000000ff")

// ChecksumOf hashes |raw|.
func ChecksumOf(raw []byte) Checksum {
	return Checksum(highwayhash.Sum64(raw, checksumKey))
}
