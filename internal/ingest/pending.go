package ingest

import (
	"sort"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// Resolve returns the catalog files whose load key is absent from loaded.
// Keys are compared as exact tuples. A key listed twice appears once.
func Resolve(catalog []source.FileIdentity, loaded ledger.KeySet) []source.FileIdentity {
	seen := make(map[source.LoadKey]struct{}, len(catalog))
	var pending []source.FileIdentity
	for _, f := range catalog {
		k := f.Key()
		if loaded.Has(k) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		pending = append(pending, f)
	}
	return pending
}

// sortForLoading orders files by path, then generation, so a partition loads
// in the same order on every run.
func sortForLoading(files []source.FileIdentity) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].ObjectPath != files[j].ObjectPath {
			return files[i].ObjectPath < files[j].ObjectPath
		}
		if files[i].Generation != files[j].Generation {
			return files[i].Generation < files[j].Generation
		}
		return files[i].LastModified.Before(files[j].LastModified)
	})
}
