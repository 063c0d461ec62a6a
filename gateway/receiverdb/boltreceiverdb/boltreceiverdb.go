// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltreceiverdb implements the gateway receiver database with a
// simple boltdb based backend.  Records are CBOR encoded.
package boltreceiverdb

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/tapgate/tapgate/gateway/receiverdb"
)

const (
	metadataBucket  = "metadata"
	receiversBucket = "receivers"
	versionKey      = "version"

	dbVersion = 0
)

type boltReceiverDB struct {
	sync.RWMutex

	db    *bolt.DB
	cache map[string]*receiverdb.ReceiverInfo
}

func (d *boltReceiverDB) Lookup(id string) (*receiverdb.ReceiverInfo, error) {
	if err := receiverdb.CheckReceiverID(id); err != nil {
		return nil, err
	}

	d.RLock()
	defer d.RUnlock()
	info, ok := d.cache[id]
	if !ok {
		return nil, receiverdb.ErrNoSuchReceiver
	}
	return copyInfo(info), nil
}

func (d *boltReceiverDB) Store(info *receiverdb.ReceiverInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	b, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("receiverdb: failed to encode %q: %w", info.ReceiverID, err)
	}

	d.Lock()
	defer d.Unlock()
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(receiversBucket)).Put([]byte(info.ReceiverID), b)
	}); err != nil {
		return err
	}
	d.cache[info.ReceiverID] = copyInfo(info)
	return nil
}

func (d *boltReceiverDB) ForEach(fn func(*receiverdb.ReceiverInfo) error) error {
	d.RLock()
	infos := make([]*receiverdb.ReceiverInfo, 0, len(d.cache))
	for _, info := range d.cache {
		infos = append(infos, copyInfo(info))
	}
	d.RUnlock()

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (d *boltReceiverDB) Close() {
	d.db.Sync()
	d.db.Close()
}

func copyInfo(info *receiverdb.ReceiverInfo) *receiverdb.ReceiverInfo {
	c := *info
	if info.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(info.Metadata))
		for k, v := range info.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// New creates (or loads) a receiver database with the given file name f.
func New(f string) (receiverdb.ReceiverDB, error) {
	var err error

	d := &boltReceiverDB{
		cache: make(map[string]*receiverdb.ReceiverInfo),
	}
	if d.db, err = bolt.Open(f, 0600, nil); err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		rBkt, err := tx.CreateBucketIfNotExists([]byte(receiversBucket))
		if err != nil {
			return err
		}

		if b := mBkt.Get([]byte(versionKey)); b != nil {
			// Loaded as opposed to created.
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("receiverdb: incompatible version: %d", uint(b[0]))
			}
			return rBkt.ForEach(func(k, v []byte) error {
				info := new(receiverdb.ReceiverInfo)
				if err := cbor.Unmarshal(v, info); err != nil {
					return fmt.Errorf("receiverdb: corrupted record %q: %w", k, err)
				}
				d.cache[string(k)] = info
				return nil
			})
		}

		return mBkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		d.db.Close()
		return nil, err
	}

	return d, nil
}
