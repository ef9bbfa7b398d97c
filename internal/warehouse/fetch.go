package warehouse

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
)

// fetchToTemp copies a landed object, decompressed, into a file under the
// system temp directory. The caller removes the returned path.
func fetchToTemp(ctx context.Context, opener ObjectOpener, file source.FileIdentity) (string, int64, error) {
	rc, err := opener.Open(ctx, file.ObjectPath)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "raw-loader-*.csv")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("download %s: %w", file.ObjectPath, err)
	}
	return tmp.Name(), n, nil
}

// readHeader returns the first CSV record of a local file.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	return header, err
}
