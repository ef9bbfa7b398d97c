package source

import (
	"net/url"
	"strings"
)

// WithS3Options adds region and endpoint parameters to an s3:// bucket URL.
// Custom endpoints (MinIO, R2, B2) need path-style addressing.
func WithS3Options(bucketURL, endpoint, region string) string {
	if !strings.HasPrefix(bucketURL, "s3://") || (endpoint == "" && region == "") {
		return bucketURL
	}

	base, rawQuery, _ := strings.Cut(bucketURL, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		params = url.Values{}
	}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("use_path_style", "true")
	}
	return base + "?" + params.Encode()
}
