package starboarder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	bolt "go.etcd.io/bbolt"
)

var (
	boltDocumentsBucket = []byte("documents")
	boltDocumentKey     = []byte("guild")
	boltOpenTimeout     = 10 * time.Second
)

// boltStore keeps the document as a single JSON value in a bbolt file.
// bbolt serializes write transactions, so no extra locking is needed.
type boltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

func newBoltStore(path string, logger *slog.Logger) (*boltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("error opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(boltDocumentsBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{
		db:     db,
		logger: logger.With(loggerNameKey, "bolt_store", "path", path),
	}, nil
}

func (s *boltStore) Load(ctx context.Context) (*Document, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltDocumentsBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(boltDocumentKey); v != nil {
			// values are only valid for the life of the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		s.logger.InfoContext(ctx, "document not found, using defaults")
		return DefaultDocument(), nil
	}

	doc, decodeErr := decodeDocument(data)
	if decodeErr != nil {
		s.logger.ErrorContext(
			ctx,
			"unable to decode document, using defaults",
			tint.Err(decodeErr),
		)
	}
	return doc, nil
}

func (s *boltStore) Save(ctx context.Context, doc *Document) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltDocumentsBucket)
		if err != nil {
			return err
		}
		if current := b.Get(boltDocumentKey); current != nil {
			if v := storedVersion(current); v != doc.Version {
				return fmt.Errorf(
					"%w (loaded version %d, stored version %d)",
					ErrStaleDocument,
					doc.Version,
					v,
				)
			}
		}

		next := *doc
		next.Version++
		data, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		return b.Put(boltDocumentKey, data)
	})
	if err != nil {
		return err
	}
	doc.Version++
	s.logger.DebugContext(ctx, "saved document", "version", doc.Version)
	return nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
