package media

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// hashSampleSize is the size of each sampled window fed into the content hash.
const hashSampleSize = 4096

// ContentHash fingerprints a blob without reading all of it: MD5 over the
// 8-byte little-endian length, the first window, the middle window (only for
// inputs larger than two windows) and the last window (only when it is a
// distinct window from the middle one). Output is lowercase hex.
func ContentHash(ra io.ReaderAt, size int64) (string, error) {
	h := md5.New()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))
	h.Write(lenBuf[:])

	writeWindow := func(offset, n int64) error {
		buf := make([]byte, n)
		if _, err := io.ReadFull(io.NewSectionReader(ra, offset, n), buf); err != nil {
			return fmt.Errorf("error reading hash window at %d: %w", offset, err)
		}
		h.Write(buf)
		return nil
	}

	switch {
	case size == 0:
		// Only the length prefix.
	case size <= hashSampleSize:
		if err := writeWindow(0, size); err != nil {
			return "", err
		}
	default:
		if err := writeWindow(0, hashSampleSize); err != nil {
			return "", err
		}
		middleOffset := int64(-1)
		if size > 2*hashSampleSize {
			middleOffset = size/2 - hashSampleSize/2
			if err := writeWindow(middleOffset, hashSampleSize); err != nil {
				return "", err
			}
		}
		if lastOffset := size - hashSampleSize; lastOffset != middleOffset {
			if err := writeWindow(lastOffset, hashSampleSize); err != nil {
				return "", err
			}
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentHashFile fingerprints a file on disk.
func ContentHashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error opening file for hashing: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("error statting file for hashing: %w", err)
	}
	return ContentHash(f, info.Size())
}

// URLHash is the best-effort pre-download dedup key: sha256 of the source URL
// in lowercase hex. It is only a hint; the content hash is authoritative.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
