package oxidb

import (
	"sort"

	"github.com/oxidb/oxidb/internal/wal"
)

// Transactions use optimistic concurrency control: reads record (collection,
// doc id, version) tuples, writes are buffered, and everything is validated
// and applied at commit under the involved collections' write locks. The
// commit point is the commit-log fsync — before it none of the transaction's
// effects survive a crash, after it all of them do.

type txOpKind int

const (
	txOpInsert txOpKind = iota
	txOpUpdate
	txOpDelete
)

type txWriteOp struct {
	kind       txOpKind
	collection string
	data       Document
	query      Document
	update     Document
}

type readRecord struct {
	collection string
	docID      uint64
	version    uint64
}

// Transaction buffers a transaction's read set and write operations. It is
// pure in-memory state: beginning and rolling back never touch disk.
type Transaction struct {
	id       uint64
	readSet  []readRecord
	writeOps []txWriteOp
	involved map[string]struct{}
}

func newTransaction(id uint64) *Transaction {
	return &Transaction{id: id, involved: make(map[string]struct{})}
}

func (t *Transaction) touch(collection string) {
	t.involved[collection] = struct{}{}
}

// sortedCollections returns the involved collection names in lexicographic
// order — the lock acquisition order that makes commits deadlock-free.
func (t *Transaction) sortedCollections() []string {
	names := make([]string, 0, len(t.involved))
	for name := range t.involved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BeginTransaction starts a transaction and returns its id.
func (e *Engine) BeginTransaction() uint64 {
	id := e.nextTxID.Add(1)
	e.txMu.Lock()
	e.activeTx[id] = newTransaction(id)
	e.txMu.Unlock()
	return id
}

func (e *Engine) getTx(txID uint64) (*Transaction, error) {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	tx, ok := e.activeTx[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

func (e *Engine) dropTx(txID uint64) {
	e.txMu.Lock()
	delete(e.activeTx, txID)
	e.txMu.Unlock()
}

// TxInsert buffers an insert.
func (e *Engine) TxInsert(txID uint64, collection string, doc Document) error {
	tx, err := e.getTx(txID)
	if err != nil {
		return err
	}
	tx.writeOps = append(tx.writeOps, txWriteOp{kind: txOpInsert, collection: collection, data: doc})
	tx.touch(collection)
	return nil
}

// TxUpdate buffers an update.
func (e *Engine) TxUpdate(txID uint64, collection string, queryDoc, updateDoc Document) error {
	tx, err := e.getTx(txID)
	if err != nil {
		return err
	}
	tx.writeOps = append(tx.writeOps, txWriteOp{kind: txOpUpdate, collection: collection, query: queryDoc, update: updateDoc})
	tx.touch(collection)
	return nil
}

// TxDelete buffers a delete.
func (e *Engine) TxDelete(txID uint64, collection string, queryDoc Document) error {
	tx, err := e.getTx(txID)
	if err != nil {
		return err
	}
	tx.writeOps = append(tx.writeOps, txWriteOp{kind: txOpDelete, collection: collection, query: queryDoc})
	tx.touch(collection)
	return nil
}

// TxFind runs a read inside the transaction and records every returned
// document in the read set for commit-time validation.
func (e *Engine) TxFind(txID uint64, collection string, queryDoc Document) ([]Document, error) {
	tx, err := e.getTx(txID)
	if err != nil {
		return nil, err
	}

	handle, err := e.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}
	handle.mu.RLock()
	docs, err := handle.col.Find(queryDoc)
	if err != nil {
		handle.mu.RUnlock()
		return nil, err
	}
	for _, doc := range docs {
		if id, ok := docID(doc); ok {
			tx.readSet = append(tx.readSet, readRecord{
				collection: collection,
				docID:      id,
				version:    handle.col.getVersion(id),
			})
		}
	}
	handle.mu.RUnlock()

	tx.touch(collection)
	return docs, nil
}

// CommitTransaction validates and applies a transaction:
//
//  1. Acquire involved collections' write locks in name order.
//  2. Validate the read set against current versions (conflict → abort).
//  3. Prepare all buffered writes (re-running unique checks).
//  4. WAL-log every prepared entry, stamped with the tx id.
//  5. Append the tx id to the commit log and fsync — the commit point.
//  6. Apply prepared mutations, checkpoint each WAL, GC the commit marker.
//
// A crash before step 5 loses the whole transaction; a crash after it is
// finished by recovery.
func (e *Engine) CommitTransaction(txID uint64) error {
	tx, err := e.getTx(txID)
	if err != nil {
		return err
	}
	defer e.dropTx(txID)

	names := tx.sortedCollections()
	handles := make(map[string]*collHandle, len(names))
	for _, name := range names {
		handle, err := e.getOrCreateCollection(name)
		if err != nil {
			return err
		}
		handles[name] = handle
	}

	for _, name := range names {
		handles[name].mu.Lock()
	}
	defer func() {
		for _, name := range names {
			handles[name].mu.Unlock()
		}
	}()

	// Read-set validation under the locks.
	for _, rec := range tx.readSet {
		handle, ok := handles[rec.collection]
		if !ok {
			continue
		}
		if handle.col.getVersion(rec.docID) != rec.version {
			return ErrTxConflict
		}
	}

	// Prepare phase: no durable state changes yet.
	perCollection := make(map[string][]*preparedMutation)
	for _, op := range tx.writeOps {
		col := handles[op.collection].col
		switch op.kind {
		case txOpInsert:
			m, err := col.prepareTxInsert(op.data, txID)
			if err != nil {
				return err
			}
			perCollection[op.collection] = append(perCollection[op.collection], m)
		case txOpUpdate:
			ms, err := col.prepareTxUpdate(op.query, op.update, txID)
			if err != nil {
				return err
			}
			perCollection[op.collection] = append(perCollection[op.collection], ms...)
		case txOpDelete:
			ms, err := col.prepareTxDelete(op.query, txID)
			if err != nil {
				return err
			}
			perCollection[op.collection] = append(perCollection[op.collection], ms...)
		}
	}

	// WAL everything before the commit marker.
	for _, name := range names {
		muts := perCollection[name]
		if len(muts) == 0 {
			continue
		}
		entries := make([]wal.Entry, len(muts))
		for i, m := range muts {
			entries[i] = m.walEntry
		}
		if err := handles[name].col.logWALBatch(entries); err != nil {
			return err
		}
	}

	// Commit point.
	if err := e.commitLog.MarkCommitted(txID); err != nil {
		return err
	}

	// Apply; recovery finishes this if we crash partway.
	for _, name := range names {
		muts := perCollection[name]
		if len(muts) == 0 {
			continue
		}
		if err := handles[name].col.applyPrepared(muts); err != nil {
			return err
		}
		if err := handles[name].col.checkpointWAL(); err != nil {
			return err
		}
	}

	return e.commitLog.RemoveCommitted(txID)
}

// RollbackTransaction drops a transaction's buffered state. Nothing durable
// ever changed, so there is nothing to undo.
func (e *Engine) RollbackTransaction(txID uint64) error {
	if _, err := e.getTx(txID); err != nil {
		return err
	}
	e.dropTx(txID)
	return nil
}
