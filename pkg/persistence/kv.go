package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CorruptSuffix is appended to the key of a snapshot that failed to decode.
const CorruptSuffix = ".corrupt"

// ErrNotFound is returned by KV.Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// KV is the durable slot a snapshot is written to.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

type Backend string

const (
	BackendPebble Backend = "pebble"
	BackendBadger Backend = "badger"
	BackendSQLite Backend = "sqlite"
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendPebble, BackendBadger, BackendSQLite, BackendFile, BackendMemory:
		return b, nil
	case "":
		return BackendPebble, nil
	default:
		return "", fmt.Errorf("unknown storage backend %q", s)
	}
}

// Open opens the KV backend rooted at path. path is a directory for pebble,
// badger and file, a database file for sqlite, and ignored for memory.
func Open(backend Backend, path string) (KV, error) {
	log.Debug().Str("backend", string(backend)).Str("path", path).Msg("Opening storage backend")
	switch backend {
	case BackendPebble, "":
		return OpenPebbleKV(path)
	case BackendBadger:
		return OpenBadgerKV(path)
	case BackendSQLite:
		return OpenSQLiteKV(path)
	case BackendFile:
		return NewFileKV(path)
	case BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// KVAdapter stores snapshots as a single JSON blob under StoreKey.
type KVAdapter struct {
	kv  KV
	key string
}

var _ Adapter = (*KVAdapter)(nil)

func NewKVAdapter(kv KV) *KVAdapter {
	return &KVAdapter{kv: kv, key: StoreKey}
}

func (a *KVAdapter) Save(ctx context.Context, snapshot *Snapshot) error {
	b, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := a.kv.Set(ctx, a.key, b); err != nil {
		return errors.Wrapf(err, "failed to write %s", a.key)
	}
	return nil
}

// Load returns an empty snapshot when nothing was saved yet. A blob that
// cannot be decoded is copied to the key suffixed with CorruptSuffix before
// the ErrCorruptSnapshot error is returned, so the next Save does not lose it.
func (a *KVAdapter) Load(ctx context.Context) (*Snapshot, error) {
	b, err := a.kv.Get(ctx, a.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewSnapshot(), nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", a.key)
	}
	snap, err := DecodeSnapshot(b)
	if err != nil {
		aside := a.key + CorruptSuffix
		if setErr := a.kv.Set(ctx, aside, b); setErr != nil {
			log.Warn().Err(setErr).Str("key", aside).Msg("Failed to keep a copy of the corrupt snapshot")
		} else {
			log.Warn().Err(err).Str("key", aside).Int("bytes", len(b)).Msg("Moved corrupt snapshot aside")
		}
		return nil, err
	}
	return snap, nil
}

func (a *KVAdapter) Close() error {
	return a.kv.Close()
}
