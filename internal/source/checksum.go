package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rotisserie/eris"

	"github.com/sells-group/classify-cli/internal/fetcher"
	"github.com/sells-group/classify-cli/internal/model"
)

const checksumPrefix = "sha256:"

// ChecksumBytes returns the content checksum of raw file bytes.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// Checksum reads location (path or URL) and returns its content checksum.
func Checksum(ctx context.Context, location string, hf *fetcher.HTTPFetcher) (string, error) {
	data, err := fetcher.ReadLocation(ctx, location, hf)
	if err != nil {
		return "", eris.Wrapf(ErrIntegrity, "source unreadable: %v", err)
	}
	return ChecksumBytes(data), nil
}

// Verify re-reads the batch's source and fails with ErrIntegrity unless its
// bytes still hash to the checksum recorded at load time.
func Verify(ctx context.Context, batch *model.SourceBatch, location string, hf *fetcher.HTTPFetcher) error {
	if location == "" {
		location = batch.Path
	}
	sum, err := Checksum(ctx, location, hf)
	if err != nil {
		return err
	}
	if sum != batch.Checksum {
		return eris.Wrapf(ErrIntegrity, "checksum mismatch for source %q: loaded %s, now %s",
			batch.SourceName, batch.Checksum, sum)
	}
	return nil
}
