package source

import (
	"fmt"
	"time"
)

// PartitionScope is one (producer, table) unit of work. Listing, ledger lookup
// and pending resolution never look outside their scope.
type PartitionScope struct {
	Producer int64
	Table    string
}

func (s PartitionScope) String() string {
	return fmt.Sprintf("%d/%s", s.Producer, s.Table)
}

// FileIdentity identifies one version of one landed object.
type FileIdentity struct {
	Bucket       string
	ObjectPath   string
	Generation   int64
	Checksum     string
	LastModified time.Time
	Table        string
	Producer     int64
	Size         int64
}

// Scope returns the partition the file belongs to.
func (f FileIdentity) Scope() PartitionScope {
	return PartitionScope{Producer: f.Producer, Table: f.Table}
}

// Key returns the load key of the file.
func (f FileIdentity) Key() LoadKey {
	return LoadKey{
		Bucket:       f.Bucket,
		ObjectPath:   f.ObjectPath,
		Generation:   f.Generation,
		LastModified: NormalizeTime(f.LastModified).UnixMicro(),
	}
}

// LoadKey is the (bucket, objectPath, generation, lastModified) tuple that
// decides whether a file version was already ingested. LastModified is held
// as unix microseconds so that keys compare exactly after a round trip
// through Postgres or DuckDB, both of which store microsecond timestamps.
type LoadKey struct {
	Bucket       string
	ObjectPath   string
	Generation   int64
	LastModified int64
}

// LastModifiedTime returns the key's timestamp as a UTC time.
func (k LoadKey) LastModifiedTime() time.Time {
	return time.UnixMicro(k.LastModified).UTC()
}

func (k LoadKey) String() string {
	return fmt.Sprintf("%s/%s#%d@%s", k.Bucket, k.ObjectPath, k.Generation,
		k.LastModifiedTime().Format(time.RFC3339Nano))
}

// NormalizeTime truncates t to microsecond precision in UTC.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
