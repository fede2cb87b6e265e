// Copyright 2026 The VDO Authors
// This file is part of the vdo library.
//
// The vdo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The vdo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the vdo library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// knownDevices is a tiny cross-invocation memory for the CLI: since each
// vdoadmin run is a fresh process, internal/device.Registry starts empty
// every time, and this tool has no long-running daemon to ask (spec.md's
// Non-goals exclude that host glue). knownDevices records which data
// directories this host's admin tool has opened before, so "vdoadmin
// list" has something to show without requiring the operator to
// remember paths.
type knownDevices struct {
	db *leveldb.DB
}

func openKnownDevices(path string) (*knownDevices, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &knownDevices{db: db}, nil
}

func (k *knownDevices) Close() error { return k.db.Close() }

// touch records dataDir as opened just now.
func (k *knownDevices) touch(dataDir string) error {
	return k.db.Put([]byte(dataDir), []byte(time.Now().Format(time.RFC3339)), nil)
}

// list returns every recorded data directory with its last-touched
// timestamp, as a map (so in no particular order).
func (k *knownDevices) list() (map[string]string, error) {
	out := make(map[string]string)
	iter := k.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()
	for iter.Next() {
		out[string(iter.Key())] = string(iter.Value())
	}
	return out, iter.Error()
}
