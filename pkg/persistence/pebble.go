package persistence

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

// PebbleKV keeps the snapshot in a pebble database. Writes are synced.
type PebbleKV struct {
	db *pebble.DB
}

var _ KV = (*PebbleKV)(nil)

func OpenPebbleKV(path string) (*PebbleKV, error) {
	if path == "" {
		return nil, fmt.Errorf("pebble store: empty path")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble db at %s", path)
	}
	return &PebbleKV{db: db}, nil
}

// NewInMemoryPebbleKV uses pebble's in-memory filesystem.
func NewInMemoryPebbleKV() (*PebbleKV, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open in-memory pebble db")
	}
	return &PebbleKV{db: db}, nil
}

func (p *PebbleKV) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() {
		_ = closer.Close()
	}()
	ret := make([]byte, len(v))
	copy(ret, v)
	return ret, nil
}

func (p *PebbleKV) Set(_ context.Context, key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *PebbleKV) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
