package epubres

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// cacheRecord is the stored form of a Resource.
type cacheRecord struct {
	Data     []byte `cbor:"1,keyasint"`
	MimeType string `cbor:"2,keyasint"`
}

// recordEncMode encodes cache records with Core Deterministic Encoding.
var recordEncMode cbor.EncMode

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("epubres: CBOR encoder initialization failed: " + err.Error())
	}
}

// BadgerCache is a persistent Cache backed by BadgerDB. Keys are
// generation, bundle ID and path joined by NUL bytes, so a generation or
// a bundle is a key prefix.
type BadgerCache struct {
	db    *badger.DB
	owned bool
}

// OpenBadgerCache opens (or creates) a cache database in dir. An empty dir
// opens an in-memory database. logger receives badger's own log output;
// nil silences it.
func OpenBadgerCache(dir string, logger *logrus.Logger) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(logger)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("epubres: open cache database: %w", err)
	}
	return &BadgerCache{db: db, owned: true}, nil
}

// NewBadgerCache wraps an already open database. Close does not close db.
func NewBadgerCache(db *badger.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

// Close closes the database if it was opened by OpenBadgerCache.
func (c *BadgerCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}

func encodeCacheKey(key CacheKey) ([]byte, error) {
	if !validKeyPart(key.Generation) || !validKeyPart(key.BundleID) {
		return nil, fmt.Errorf("epubres: invalid cache key %q/%q", key.Generation, key.BundleID)
	}
	return []byte(key.Generation + keySeparator + key.BundleID + keySeparator + key.Path), nil
}

// Lookup implements Cache.
func (c *BadgerCache) Lookup(_ context.Context, key CacheKey) (Resource, bool, error) {
	k, err := encodeCacheKey(key)
	if err != nil {
		return Resource{}, false, err
	}

	var rec cacheRecord
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return cbor.Unmarshal(v, &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, fmt.Errorf("epubres: cache lookup %s/%s: %w", key.BundleID, key.Path, err)
	}

	return Resource{Data: rec.Data, MimeType: rec.MimeType}, true, nil
}

// Store implements Cache.
func (c *BadgerCache) Store(_ context.Context, key CacheKey, res Resource) error {
	k, err := encodeCacheKey(key)
	if err != nil {
		return err
	}
	v, err := recordEncMode.Marshal(cacheRecord{Data: res.Data, MimeType: res.MimeType})
	if err != nil {
		return fmt.Errorf("epubres: encode cache record: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
}

// EvictStale implements Cache.
func (c *BadgerCache) EvictStale(ctx context.Context, generation string) (int, error) {
	if !validKeyPart(generation) {
		return 0, fmt.Errorf("epubres: invalid generation %q", generation)
	}
	current := []byte(generation + keySeparator)

	return c.deleteKeys(ctx, nil, func(k []byte) bool {
		return !bytes.HasPrefix(k, current)
	})
}

// DeleteBundle implements Cache.
func (c *BadgerCache) DeleteBundle(ctx context.Context, generation, bundleID string) error {
	if !validKeyPart(generation) || !validKeyPart(bundleID) {
		return fmt.Errorf("epubres: invalid cache key %q/%q", generation, bundleID)
	}
	prefix := []byte(generation + keySeparator + bundleID + keySeparator)

	_, err := c.deleteKeys(ctx, prefix, func([]byte) bool { return true })
	return err
}

// deleteKeys removes every key under prefix for which match returns true.
func (c *BadgerCache) deleteKeys(ctx context.Context, prefix []byte, match func([]byte) bool) (int, error) {
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := it.Item().KeyCopy(nil)
			if match(k) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("epubres: scan cache: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("epubres: delete cache entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("epubres: delete cache entries: %w", err)
	}

	return len(keys), nil
}
