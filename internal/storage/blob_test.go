package storage

import (
	"context"
	"testing"

	"gocloud.dev/blob/memblob"
)

func TestBlobStorePublish(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	store := NewBlobStore(bucket, "mem://", "lake/")
	defer store.Close()

	ref := testRef()
	data := []byte("parquet bytes")

	tempParquet, err := store.WriteParquetTemp(ctx, ref, data)
	if err != nil {
		t.Fatalf("WriteParquetTemp: %v", err)
	}
	tempManifest, err := store.WriteManifestTemp(ctx, ref, testManifest(data))
	if err != nil {
		t.Fatalf("WriteManifestTemp: %v", err)
	}

	if ok, _ := bucket.Exists(ctx, ref.Path("lake/")); ok {
		t.Error("part published before Finalize")
	}

	if err := store.Finalize(ctx, ref, []string{tempParquet, tempManifest}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := bucket.ReadAll(ctx, ref.Path("lake/"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("data = %q, want %q", got, data)
	}
	if ok, _ := bucket.Exists(ctx, ref.ManifestPath("lake/")); !ok {
		t.Error("manifest not published")
	}
	for _, k := range []string{tempParquet, tempManifest} {
		if ok, _ := bucket.Exists(ctx, k); ok {
			t.Errorf("temp key %s still present", k)
		}
	}

	if uri := store.URI(ref.Path("lake/")); uri != "mem://"+ref.Path("lake/") {
		t.Errorf("URI = %s", uri)
	}
}

func TestBlobStoreFinalizeRejectsWrongKeyCount(t *testing.T) {
	store := NewBlobStore(memblob.OpenBucket(nil), "mem://", "")
	defer store.Close()

	if err := store.Finalize(context.Background(), testRef(), []string{"only-one"}); err == nil {
		t.Error("expected error for wrong number of temp keys")
	}
}
