package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxidb/oxidb/security"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func encryptedStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	keyPath := filepath.Join(dir, "test.key")
	require.NoError(t, os.WriteFile(keyPath, bytes.Repeat([]byte{0x42}, 32), 0o600))
	key, err := security.LoadKeyFromFile(keyPath)
	require.NoError(t, err)
	s, err := OpenWithEncryption(filepath.Join(dir, "encrypted.dat"), key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndReadRoundtrip(t *testing.T) {
	s := testStorage(t)
	data := []byte("hello world")
	loc, err := s.Append(data)
	require.NoError(t, err)
	readBack, err := s.Read(loc)
	require.NoError(t, err)
	require.Equal(t, data, readBack)
}

func TestAppendMultipleRecords(t *testing.T) {
	s := testStorage(t)
	loc1, err := s.Append([]byte("first"))
	require.NoError(t, err)
	loc2, err := s.Append([]byte("second"))
	require.NoError(t, err)
	loc3, err := s.Append([]byte("third"))
	require.NoError(t, err)

	for _, tc := range []struct {
		loc  DocLocation
		want string
	}{{loc1, "first"}, {loc2, "second"}, {loc3, "third"}} {
		got, err := s.Read(tc.loc)
		require.NoError(t, err)
		require.Equal(t, []byte(tc.want), got)
	}
	require.NotEqual(t, loc1.Offset, loc2.Offset)
	require.NotEqual(t, loc2.Offset, loc3.Offset)
}

func TestSoftDeleteHidesRecord(t *testing.T) {
	s := testStorage(t)
	loc1, _ := s.Append([]byte("keep"))
	loc2, _ := s.Append([]byte("delete_me"))
	loc3, _ := s.Append([]byte("also_keep"))

	require.NoError(t, s.MarkDeleted(loc2))

	_, payloads, err := s.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	require.Equal(t, []byte("keep"), payloads[0])
	require.Equal(t, []byte("also_keep"), payloads[1])

	// Deleted record's bytes are still readable by direct offset.
	raw, err := s.Read(loc2)
	require.NoError(t, err)
	require.Equal(t, []byte("delete_me"), raw)

	got, err := s.Read(loc1)
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), got)
	got, err = s.Read(loc3)
	require.NoError(t, err)
	require.Equal(t, []byte("also_keep"), got)
}

func TestFileSizeGrows(t *testing.T) {
	s := testStorage(t)
	require.EqualValues(t, 0, s.FileSize())
	data := []byte("test")
	_, err := s.Append(data)
	require.NoError(t, err)
	require.EqualValues(t, headerSize+len(data), s.FileSize())
}

func TestIterActiveOnEmptyFile(t *testing.T) {
	s := testStorage(t)
	_, payloads, err := s.IterActive()
	require.NoError(t, err)
	require.Empty(t, payloads)
}

func TestAppendNoSyncAndManualSync(t *testing.T) {
	s := testStorage(t)
	loc1, err := s.AppendNoSync([]byte("batch1"))
	require.NoError(t, err)
	loc2, err := s.AppendNoSync([]byte("batch2"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	got, err := s.Read(loc1)
	require.NoError(t, err)
	require.Equal(t, []byte("batch1"), got)
	got, err = s.Read(loc2)
	require.NoError(t, err)
	require.Equal(t, []byte("batch2"), got)
}

func TestMarkDeletedNoSync(t *testing.T) {
	s := testStorage(t)
	loc, _ := s.Append([]byte("will_delete"))
	require.NoError(t, s.MarkDeletedNoSync(loc))
	require.NoError(t, s.Sync())

	_, payloads, err := s.IterActive()
	require.NoError(t, err)
	require.Empty(t, payloads)
}

func TestEncryptedRoundtrip(t *testing.T) {
	s := encryptedStorage(t, t.TempDir())
	data := []byte("secret document payload")
	loc, err := s.Append(data)
	require.NoError(t, err)
	got, err := s.Read(loc)
	require.NoError(t, err)
	require.Equal(t, data, got)
	// On-disk length includes the seal overhead.
	require.EqualValues(t, len(data)+security.Overhead, loc.Length)
}

func TestEncryptedDataNotPlaintext(t *testing.T) {
	dir := t.TempDir()
	s := encryptedStorage(t, dir)
	data := []byte("secret document payload")
	_, err := s.Append(data)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "encrypted.dat"))
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, data), "plaintext must not appear on disk")
}

func TestEncryptedIterActive(t *testing.T) {
	s := encryptedStorage(t, t.TempDir())
	_, err := s.Append([]byte("doc_a"))
	require.NoError(t, err)
	locB, err := s.Append([]byte("doc_b"))
	require.NoError(t, err)
	_, err = s.Append([]byte("doc_c"))
	require.NoError(t, err)

	require.NoError(t, s.MarkDeleted(locB))

	_, payloads, err := s.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	require.Equal(t, []byte("doc_a"), payloads[0])
	require.Equal(t, []byte("doc_c"), payloads[1])
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.dat")

	s1, err := Open(path)
	require.NoError(t, err)
	loc, err := s1.Append([]byte("persistent"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Read(loc)
	require.NoError(t, err)
	require.Equal(t, []byte("persistent"), got)
	_, payloads, err := s2.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
}

func TestLargePayload(t *testing.T) {
	s := testStorage(t)
	data := bytes.Repeat([]byte{0xAB}, 100_000)
	loc, err := s.Append(data)
	require.NoError(t, err)
	got, err := s.Read(loc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestTruncatedTailIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.dat")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Append([]byte("complete record"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash mid-write: a header promising more bytes than exist.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0xFF, 0xFF, 0, 0, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	_, payloads, err := s2.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.Equal(t, []byte("complete record"), payloads[0])
}

func TestScanReadonlyWhile(t *testing.T) {
	s := testStorage(t)
	for _, d := range []string{"one", "two", "three"} {
		_, err := s.Append([]byte(d))
		require.NoError(t, err)
	}

	var seen []string
	err := s.ScanReadonlyWhile(func(plaintext []byte) (bool, error) {
		seen = append(seen, string(plaintext))
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, seen)
}

func TestScanReadonlyWhileEarlyStop(t *testing.T) {
	s := testStorage(t)
	for _, d := range []string{"one", "two", "three"} {
		_, err := s.Append([]byte(d))
		require.NoError(t, err)
	}

	var count int
	err := s.ScanReadonlyWhile(func([]byte) (bool, error) {
		count++
		return count < 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
