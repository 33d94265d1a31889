package media

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(t *testing.T, data []byte) string {
	t.Helper()
	sum, err := ContentHash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return sum
}

func TestContentHashIsDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("abc123"), 50000)
	require.Equal(t, hashOf(t, data), hashOf(t, data))
}

func TestContentHashSingleBitFlipChangesOutput(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 100000)
	flipped := append([]byte{}, data...)
	flipped[0] ^= 1
	require.NotEqual(t, hashOf(t, data), hashOf(t, flipped))

	// Flip in the middle window too.
	flipped = append([]byte{}, data...)
	flipped[len(flipped)/2] ^= 1
	require.NotEqual(t, hashOf(t, data), hashOf(t, flipped))
}

func TestContentHashEmptyInputHashesOnlyLength(t *testing.T) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 0)
	expected := md5.Sum(lenBuf[:])
	require.Equal(t, hex.EncodeToString(expected[:]), hashOf(t, nil))
}

func TestContentHashSmallInputHashesLengthPlusWholeFile(t *testing.T) {
	data := []byte("tiny file")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	expected := md5.Sum(append(lenBuf[:], data...))
	require.Equal(t, hex.EncodeToString(expected[:]), hashOf(t, data))
}

func TestContentHashMediumInputSkipsMiddleWindow(t *testing.T) {
	// 4096 < size <= 8192: first and last windows, no middle.
	data := bytes.Repeat([]byte{0x01}, 6000)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	h := md5.New()
	h.Write(lenBuf[:])
	h.Write(data[:4096])
	h.Write(data[6000-4096:])
	require.Equal(t, hex.EncodeToString(h.Sum(nil)), hashOf(t, data))
}

func TestContentHashLargeInputSamplesThreeWindows(t *testing.T) {
	data := make([]byte, 50000)
	for i := range data {
		data[i] = byte(i)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	middle := int64(len(data))/2 - 2048
	h := md5.New()
	h.Write(lenBuf[:])
	h.Write(data[:4096])
	h.Write(data[middle : middle+4096])
	h.Write(data[len(data)-4096:])
	require.Equal(t, hex.EncodeToString(h.Sum(nil)), hashOf(t, data))
}

func TestContentHashFileMatchesInMemory(t *testing.T) {
	data := bytes.Repeat([]byte("soundmill"), 20000)
	path := filepath.Join(t.TempDir(), "input.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fromFile, err := ContentHashFile(path)
	require.NoError(t, err)
	require.Equal(t, hashOf(t, data), fromFile)
}

func TestURLHashIsStable(t *testing.T) {
	a := URLHash("https://example.com/a.mp4")
	require.Len(t, a, 64)
	require.Equal(t, a, URLHash("https://example.com/a.mp4"))
	require.NotEqual(t, a, URLHash("https://example.com/b.mp4"))
}
