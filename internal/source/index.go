package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"gocloud.dev/blob"
)

// ProducerDir returns the directory name of a producer, e.g. "distributor_3".
func ProducerDir(prefix string, producer int64) string {
	return prefix + strconv.FormatInt(producer, 10)
}

// ParseProducerDir extracts the producer number from a directory key such as
// "data/distributor_3/". It reports false for names that do not match.
func ParseProducerDir(prefix, key string) (int64, bool) {
	base := path.Base(strings.TrimSuffix(key, "/"))
	digits, ok := strings.CutPrefix(base, prefix)
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// DiscoverProducers lists the producer directories directly under the base
// path and returns their numbers in ascending order.
func (c *Catalog) DiscoverProducers(ctx context.Context) ([]int64, error) {
	prefix := ""
	if c.basePath != "" {
		prefix = c.basePath + "/"
	}

	iter := c.bucket.List(&blob.ListOptions{
		Prefix:    prefix,
		Delimiter: "/",
	})

	seen := make(map[int64]bool)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list producers under %q: %w", ErrSourceUnavailable, prefix, err)
		}
		if !obj.IsDir {
			continue
		}
		if n, ok := ParseProducerDir(c.producerPrefix, obj.Key); ok {
			seen[n] = true
		}
	}

	producers := make([]int64, 0, len(seen))
	for n := range seen {
		producers = append(producers, n)
	}
	sort.Slice(producers, func(i, j int) bool { return producers[i] < producers[j] })

	c.logger.Info("discovered producers", "count", len(producers), "prefix", prefix)
	return producers, nil
}

// Scopes expands producers x tables into partition scopes, producer-major.
func Scopes(producers []int64, tables []string) []PartitionScope {
	scopes := make([]PartitionScope, 0, len(producers)*len(tables))
	for _, p := range producers {
		for _, t := range tables {
			scopes = append(scopes, PartitionScope{Producer: p, Table: t})
		}
	}
	return scopes
}
