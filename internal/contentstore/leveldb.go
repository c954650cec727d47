package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

const keyPrefix = "cid:"

// LevelDB is a local content-addressed store
type LevelDB struct {
	db     *leveldb.DB
	logger *zap.Logger
}

// OpenLevelDB opens or creates the store at path
func OpenLevelDB(path string, logger *zap.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newLevelDB(db, logger), nil
}

// OpenMemory opens a store backed by memory only.
func OpenMemory(logger *zap.Logger) (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return newLevelDB(db, logger), nil
}

func newLevelDB(db *leveldb.DB, logger *zap.Logger) *LevelDB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LevelDB{db: db, logger: logger}
}

// Add stores data under its digest. Existing content is not rewritten.
func (s *LevelDB) Add(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cid := Digest(data)
	key := []byte(keyPrefix + cid)

	exists, err := s.db.Has(key, nil)
	if err != nil {
		return "", fmt.Errorf("check content %s: %w", cid, err)
	}
	if exists {
		s.logger.Debug("content already stored", zap.String("cid", cid))
		return cid, nil
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return "", fmt.Errorf("store content %s: %w", cid, err)
	}
	s.logger.Debug("content stored", zap.String("cid", cid), zap.Int("bytes", len(data)))
	return cid, nil
}

// Get returns the content stored under cid
func (s *LevelDB) Get(ctx context.Context, cid string) ([]byte, error) {
	data, err := s.db.Get([]byte(keyPrefix+cid), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err != nil {
		return nil, fmt.Errorf("read content %s: %w", cid, err)
	}
	return data, nil
}

// Close closes the underlying database
func (s *LevelDB) Close() error {
	return s.db.Close()
}
