package source

import (
	"encoding/binary"
	"encoding/hex"

	"cloud.google.com/go/storage"
	"gocloud.dev/blob"
)

// objectVersion returns the store-assigned generation and content checksum of
// a listed object. GCS supplies both natively. Stores without object
// generations fall back to the modification time in microseconds, which
// changes on every overwrite.
func objectVersion(obj *blob.ListObject) (int64, string) {
	if gen, sum, ok := gcsVersion(obj); ok {
		return gen, sum
	}
	return fallbackVersion(obj)
}

func gcsVersion(obj *blob.ListObject) (int64, string, bool) {
	var attrs storage.ObjectAttrs
	if !obj.As(&attrs) {
		return 0, "", false
	}
	sum := ""
	if attrs.CRC32C != 0 {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], attrs.CRC32C)
		sum = "crc32c:" + hex.EncodeToString(buf[:])
	}
	return attrs.Generation, sum, true
}
