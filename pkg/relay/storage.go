package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/chazu/facet/pkg/document"
)

const roomPrefix = "room/"

// Storage persists room snapshots in badger so rooms survive a relay
// restart.
type Storage struct {
	db  *badger.DB
	log *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenStorage opens the database in dir. An empty dir keeps everything in
// memory.
func OpenStorage(dir string, log *slog.Logger) (*Storage, error) {
	if log == nil {
		log = slog.Default()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("relay: create data directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("relay: open badger database: %w", err)
	}
	return &Storage{db: db, log: log}, nil
}

// Close closes the database.
func (s *Storage) Close() error { return s.db.Close() }

// Save stores snap as the latest state of room.
func (s *Storage) Save(room string, snap *document.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("relay: encode room %s: %w", room, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(roomPrefix+room), data)
	})
}

// Load returns the stored snapshot of room. It reports false if the room
// was never saved.
func (s *Storage) Load(room string) (*document.Snapshot, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(roomPrefix + room))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("relay: load room %s: %w", room, err)
	}
	var snap document.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("relay: decode room %s: %w", room, err)
	}
	return &snap, true, nil
}

// Rooms lists the saved room names in key order.
func (s *Storage) Rooms() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(roomPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), roomPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: list rooms: %w", err)
	}
	return names, nil
}
