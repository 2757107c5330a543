// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package meta

import (
	"fmt"

	"github.com/linxGnu/grocksdb"
)

// RocksWriter persists the mirror in a RocksDB instance. Column
// families are mapped onto key prefixes ("<cf>/<key>") so one database
// holds the whole mirror.
type RocksWriter struct {
	db *grocksdb.DB
	wo *grocksdb.WriteOptions
	ro *grocksdb.ReadOptions
}

// OpenRocks opens (or creates) the mirror database at path.
func OpenRocks(path string) (*RocksWriter, error) {
	bbto := grocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetBlockCache(grocksdb.NewLRUCache(512 << 20))
	bbto.SetFilterPolicy(grocksdb.NewBloomFilter(10))

	opts := grocksdb.NewDefaultOptions()
	opts.SetBlockBasedTableFactory(bbto)
	opts.SetCreateIfMissing(true)
	opts.SetCompression(grocksdb.SnappyCompression)
	opts.SetWriteBufferSize(64 << 20)
	opts.SetMaxWriteBufferNumber(3)

	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("open meta db %s: %w", path, err)
	}

	return &RocksWriter{
		db: db,
		wo: grocksdb.NewDefaultWriteOptions(),
		ro: grocksdb.NewDefaultReadOptions(),
	}, nil
}

func cfKey(cf string, key []byte) []byte {
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, cf...)
	out = append(out, '/')
	return append(out, key...)
}

// WriteBatch applies the tuples in one RocksDB write batch.
func (w *RocksWriter) WriteBatch(tuples []Tuple) error {
	batch := grocksdb.NewWriteBatch()
	defer batch.Destroy()
	for _, t := range tuples {
		if t.Delete {
			batch.Delete(cfKey(t.CF, t.Key))
			continue
		}
		batch.Put(cfKey(t.CF, t.Key), t.Value)
	}
	if err := w.db.Write(w.wo, batch); err != nil {
		return fmt.Errorf("write meta batch: %w", err)
	}
	return nil
}

// Scan visits every entry under the cf prefix.
func (w *RocksWriter) Scan(cf string, fn func(key, value []byte) error) error {
	prefix := append([]byte(cf), '/')
	it := w.db.NewIterator(w.ro)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Key()
		v := it.Value()
		key := append([]byte{}, k.Data()[len(prefix):]...)
		value := append([]byte{}, v.Data()...)
		k.Free()
		v.Free()
		if err := fn(key, value); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scan meta cf %s: %w", cf, err)
	}
	return nil
}

// Close releases the database handle.
func (w *RocksWriter) Close() error {
	w.wo.Destroy()
	w.ro.Destroy()
	w.db.Close()
	return nil
}
