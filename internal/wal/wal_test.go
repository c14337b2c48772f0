package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxidb/oxidb/codec"
	"github.com/oxidb/oxidb/security"
	"github.com/oxidb/oxidb/storage"
)

func encodeDoc(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	b, err := codec.Encode(doc)
	require.NoError(t, err)
	return b
}

func openPair(t *testing.T, dir string) (*storage.Storage, *Wal) {
	t.Helper()
	st, err := storage.Open(filepath.Join(dir, "test.dat"))
	require.NoError(t, err)
	w, err := Open(filepath.Join(dir, "test.wal"))
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		w.Close()
	})
	return st, w
}

func TestRecoverInsert(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	docBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1), "x": int64(1)})
	require.NoError(t, w.Log(Insert(1, docBytes)))

	primary := map[uint64]storage.DocLocation{}
	versions := map[uint64]uint64{}
	nextID := uint64(1)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))

	require.Contains(t, primary, uint64(1))
	require.EqualValues(t, 2, nextID)
	require.EqualValues(t, 1, versions[1])

	got, err := st.Read(primary[1])
	require.NoError(t, err)
	require.Equal(t, docBytes, got)
}

func TestRecoverInsertIdempotent(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	docBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1)})
	loc, err := st.Append(docBytes)
	require.NoError(t, err)

	// The insert was already applied before the crash.
	require.NoError(t, w.Log(Insert(1, docBytes)))

	primary := map[uint64]storage.DocLocation{1: loc}
	versions := map[uint64]uint64{1: 1}
	nextID := uint64(2)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))

	require.Equal(t, loc, primary[1], "already-applied insert must not be reapplied")
	_, payloads, err := st.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
}

func TestRecoverUpdateReappliesWhenBytesDiffer(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	oldBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1), "x": int64(1)})
	newBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(2), "x": int64(2)})

	oldLoc, err := st.Append(oldBytes)
	require.NoError(t, err)

	// The update was logged but crashed before the storage append.
	require.NoError(t, w.Log(Update(1, newBytes)))

	primary := map[uint64]storage.DocLocation{1: oldLoc}
	versions := map[uint64]uint64{1: 1}
	nextID := uint64(2)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))

	require.NotEqual(t, oldLoc, primary[1], "update must be reapplied")
	require.EqualValues(t, 2, versions[1])
	got, err := st.Read(primary[1])
	require.NoError(t, err)
	require.Equal(t, newBytes, got)

	_, payloads, err := st.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 1, "old record must be soft-deleted")
}

func TestRecoverUpdateSkipsWhenBytesMatch(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	docBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(2)})
	loc, err := st.Append(docBytes)
	require.NoError(t, err)

	require.NoError(t, w.Log(Update(1, docBytes)))

	primary := map[uint64]storage.DocLocation{1: loc}
	versions := map[uint64]uint64{1: 2}
	nextID := uint64(2)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))

	require.Equal(t, loc, primary[1])
	_, payloads, err := st.IterActive()
	require.NoError(t, err)
	require.Len(t, payloads, 1)
}

func TestRecoverDelete(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	docBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1)})
	loc, err := st.Append(docBytes)
	require.NoError(t, err)

	require.NoError(t, w.Log(Delete(1)))

	primary := map[uint64]storage.DocLocation{1: loc}
	versions := map[uint64]uint64{1: 1}
	nextID := uint64(2)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))

	require.NotContains(t, primary, uint64(1))
	require.NotContains(t, versions, uint64(1))
	_, payloads, err := st.IterActive()
	require.NoError(t, err)
	require.Empty(t, payloads)
}

func TestRecoverSkipsUncommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	committed := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1)})
	uncommitted := encodeDoc(t, map[string]any{"_id": int64(2), "_version": int64(1)})

	require.NoError(t, w.Log(Entry{Op: OpInsert, TxID: 10, DocID: 1, DocBytes: committed}))
	require.NoError(t, w.Log(Entry{Op: OpInsert, TxID: 99, DocID: 2, DocBytes: uncommitted}))

	primary := map[uint64]storage.DocLocation{}
	versions := map[uint64]uint64{}
	nextID := uint64(1)
	committedSet := map[uint64]struct{}{10: {}}
	require.NoError(t, w.Recover(st, primary, &nextID, committedSet, versions))

	require.Contains(t, primary, uint64(1))
	require.NotContains(t, primary, uint64(2), "uncommitted transactional insert must be discarded")
}

func TestRecoverStopsAtCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	good := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1)})
	bad := encodeDoc(t, map[string]any{"_id": int64(2), "_version": int64(1)})
	after := encodeDoc(t, map[string]any{"_id": int64(3), "_version": int64(1)})
	require.NoError(t, w.Log(Insert(1, good)))
	require.NoError(t, w.Log(Insert(2, bad)))
	require.NoError(t, w.Log(Insert(3, after)))
	require.NoError(t, w.Close())

	// Flip a byte inside the second entry's payload.
	walPath := filepath.Join(dir, "test.wal")
	raw, err := os.ReadFile(walPath)
	require.NoError(t, err)
	firstLen := 8 + 17 + len(good)
	raw[firstLen+8+5] ^= 0xFF
	require.NoError(t, os.WriteFile(walPath, raw, 0o644))

	w2, err := Open(walPath)
	require.NoError(t, err)
	defer w2.Close()

	primary := map[uint64]storage.DocLocation{}
	versions := map[uint64]uint64{}
	nextID := uint64(1)
	require.NoError(t, w2.Recover(st, primary, &nextID, nil, versions))

	require.Contains(t, primary, uint64(1))
	require.NotContains(t, primary, uint64(2), "replay terminates at the corrupt entry")
	require.NotContains(t, primary, uint64(3), "entries after the corruption are discarded")
}

func TestRecoverTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	docBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1)})
	require.NoError(t, w.Log(Insert(1, docBytes)))
	require.NoError(t, w.Close())

	// Append half a header to simulate a crash mid-log.
	walPath := filepath.Join(dir, "test.wal")
	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xDE, 0xAD, 0xBE})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(walPath)
	require.NoError(t, err)
	defer w2.Close()

	primary := map[uint64]storage.DocLocation{}
	versions := map[uint64]uint64{}
	nextID := uint64(1)
	require.NoError(t, w2.Recover(st, primary, &nextID, nil, versions))
	require.Contains(t, primary, uint64(1))
}

func TestCheckpointEmptiesLog(t *testing.T) {
	dir := t.TempDir()
	_, w := openPair(t, dir)

	require.NoError(t, w.Log(Insert(1, encodeDoc(t, map[string]any{"_id": int64(1)}))))
	require.NoError(t, w.Checkpoint())

	info, err := os.Stat(filepath.Join(dir, "test.wal"))
	require.NoError(t, err)
	require.EqualValues(t, 0, info.Size())
}

func TestEncryptedWalRoundtrip(t *testing.T) {
	dir := t.TempDir()
	raw, err := security.GenerateKey()
	require.NoError(t, err)
	key, err := security.NewKey(raw)
	require.NoError(t, err)

	st, err := storage.OpenWithEncryption(filepath.Join(dir, "enc.dat"), key)
	require.NoError(t, err)
	defer st.Close()
	w, err := OpenWithEncryption(filepath.Join(dir, "enc.wal"), key)
	require.NoError(t, err)
	defer w.Close()

	docBytes := encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1), "secret": "payload"})
	require.NoError(t, w.Log(Insert(1, docBytes)))

	// The WAL file must not contain the plaintext doc bytes.
	rawWal, err := os.ReadFile(filepath.Join(dir, "enc.wal"))
	require.NoError(t, err)
	require.NotContains(t, string(rawWal), "payload")

	primary := map[uint64]storage.DocLocation{}
	versions := map[uint64]uint64{}
	nextID := uint64(1)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))
	require.Contains(t, primary, uint64(1))

	got, err := st.Read(primary[1])
	require.NoError(t, err)
	require.Equal(t, docBytes, got)
}

func TestLogBatchSingleEntryStream(t *testing.T) {
	dir := t.TempDir()
	st, w := openPair(t, dir)

	entries := []Entry{
		Insert(1, encodeDoc(t, map[string]any{"_id": int64(1), "_version": int64(1)})),
		Insert(2, encodeDoc(t, map[string]any{"_id": int64(2), "_version": int64(1)})),
		Delete(1),
	}
	require.NoError(t, w.LogBatch(entries))

	primary := map[uint64]storage.DocLocation{}
	versions := map[uint64]uint64{}
	nextID := uint64(1)
	require.NoError(t, w.Recover(st, primary, &nextID, nil, versions))

	require.NotContains(t, primary, uint64(1), "insert then delete nets out")
	require.Contains(t, primary, uint64(2))
	require.EqualValues(t, 3, nextID)
}
