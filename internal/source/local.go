package source

import (
	"encoding/hex"

	"gocloud.dev/blob"
)

// fallbackVersion derives a version for filesystem, in-memory and S3 buckets.
func fallbackVersion(obj *blob.ListObject) (int64, string) {
	sum := ""
	if len(obj.MD5) > 0 {
		sum = "md5:" + hex.EncodeToString(obj.MD5)
	}
	return NormalizeTime(obj.ModTime).UnixMicro(), sum
}
