package starboarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lmittmann/tint"
)

// jsonFileStore keeps the document in a single pretty-printed JSON file
type jsonFileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func newJSONFileStore(path string, logger *slog.Logger) *jsonFileStore {
	return &jsonFileStore{
		path:   path,
		logger: logger.With(loggerNameKey, "json_store", "path", path),
	}
}

func (s *jsonFileStore) Load(ctx context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *jsonFileStore) load(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.InfoContext(ctx, "document not found, using defaults")
			return DefaultDocument(), nil
		}
		return nil, err
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

func (s *jsonFileStore) Save(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if v := storedVersion(current); v != doc.Version {
			return fmt.Errorf(
				"%w (loaded version %d, stored version %d)",
				ErrStaleDocument,
				doc.Version,
				v,
			)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	next := *doc
	next.Version++
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return err
	}
	if err = writeFileAtomic(s.path, data); err != nil {
		return err
	}
	doc.Version = next.Version
	s.logger.DebugContext(ctx, "saved document", "version", doc.Version)
	return nil
}

func (*jsonFileStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory, then
// renames it over path
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
