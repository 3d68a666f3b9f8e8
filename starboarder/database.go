package starboarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	storedDocumentID = "guild"

	postgresNotifyChannelDocumentUpdated = "starboarder_document_updated"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbNotifierRetryDelay = 5 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// StoredDocument is the single row holding the shared document, for the
// SQL backends. Version is compared on every write.
type StoredDocument struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Version int64  `gorm:"not null;default:0" json:"version"`
	Payload string `gorm:"type:text" json:"payload"`
	ModelUnixTime
}

// CreateDB opens the SQLite or Postgres database and migrates it.
//
// Parameters:
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//   - level: Log level for the gorm logger
//   - slowThreshold: Queries slower than this are logged as warnings
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	level slog.Leveler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if level == nil {
		level = DefaultDatabaseLogLevel
	}
	handler := newLogHandler(level)
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return db, fmt.Errorf("error getting database connection: %w", e)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return db, pragmaErr
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&StoredDocument{}); err != nil {
		return db, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// gormStore keeps the document in a [StoredDocument] row. Writes are
// optimistic: a save only succeeds if the row still carries the version
// the document was loaded with.
//
// When a notifier is set (postgres), the last payload is cached and
// invalidated by update notifications from other instances.
type gormStore struct {
	db       *gorm.DB
	logger   *slog.Logger
	notifier documentNotifier

	cacheMu sync.Mutex
	cache   []byte
}

func newGORMStore(db *gorm.DB, dsn string, logger *slog.Logger) *gormStore {
	s := &gormStore{
		db:     db,
		logger: logger.With(loggerNameKey, "gorm_store"),
	}
	if db.Dialector.Name() == dbTypePostgres {
		s.notifier = newPostgresNotifier(db, dsn, s.logger, s.invalidate)
	}
	return s
}

func (s *gormStore) invalidate() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = nil
}

func (s *gormStore) cached() []byte {
	if s.notifier == nil {
		return nil
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache
}

func (s *gormStore) setCache(payload []byte) {
	if s.notifier == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = payload
}

func (s *gormStore) Load(ctx context.Context) (*Document, error) {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	data := s.cached()
	if data == nil {
		var row StoredDocument
		err := s.db.WithContext(ctx).Where("id = ?", storedDocumentID).First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.logger.InfoContext(ctx, "document not found, using defaults")
				return DefaultDocument(), nil
			}
			return nil, err
		}
		data = []byte(row.Payload)
		doc, decodeErr := decodeDocument(data)
		if decodeErr != nil {
			s.logger.ErrorContext(
				ctx,
				"unable to decode document, using defaults",
				tint.Err(decodeErr),
			)
		}
		// the row version is authoritative, even for a corrupt payload
		doc.Version = row.Version
		if decodeErr == nil {
			s.setCache(data)
		}
		return doc, nil
	}

	doc, decodeErr := decodeDocument(data)
	if decodeErr != nil {
		s.invalidate()
		return nil, decodeErr
	}
	return doc, nil
}

func (s *gormStore) Save(ctx context.Context, doc *Document) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	next := *doc
	next.Version++
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	db := s.db.WithContext(ctx)
	if doc.Version == 0 {
		var count int64
		if err = db.Model(&StoredDocument{}).Where(
			"id = ?",
			storedDocumentID,
		).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			createErr := db.Create(
				&StoredDocument{
					ID:      storedDocumentID,
					Version: next.Version,
					Payload: string(data),
				},
			).Error
			if createErr != nil {
				// most likely a concurrent first write
				s.invalidate()
				return fmt.Errorf("%w: %w", ErrStaleDocument, createErr)
			}
			doc.Version = next.Version
			s.saved(ctx, data)
			return nil
		}
	}

	rv := db.Model(&StoredDocument{}).Where(
		"id = ? AND version = ?",
		storedDocumentID,
		doc.Version,
	).Updates(
		map[string]any{
			"version": next.Version,
			"payload": string(data),
		},
	)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		s.invalidate()
		return fmt.Errorf("%w (loaded version %d)", ErrStaleDocument, doc.Version)
	}
	doc.Version = next.Version
	s.saved(ctx, data)
	return nil
}

func (s *gormStore) saved(ctx context.Context, data []byte) {
	s.setCache(data)
	if s.notifier != nil {
		s.notifier.DocumentUpdated(ctx)
	}
	s.logger.DebugContext(ctx, "saved document")
}

// Listen blocks, invalidating the cached document when another instance
// writes to it. Returns immediately when there's no notifier.
func (s *gormStore) Listen(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Listen(ctx)
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// documentNotifier tells other bot instances sharing the database that
// the document changed
type documentNotifier interface {
	// DocumentUpdated sends a notification to other instances
	DocumentUpdated(ctx context.Context) bool

	// Listen blocks, receiving notifications until ctx is cancelled
	Listen(ctx context.Context) error

	// ID returns the identifier for this notifier, used to filter out
	// its own notifications.
	ID() string
}

type postgresNotifier struct {
	db         *gorm.DB
	dsn        string
	logger     *slog.Logger
	pgNotifyID string
	onUpdate   func()
}

func newPostgresNotifier(
	db *gorm.DB,
	dsn string,
	logger *slog.Logger,
	onUpdate func(),
) *postgresNotifier {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		notifyID = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return &postgresNotifier{
		db:         db,
		dsn:        dsn,
		logger:     logger.With(loggerNameKey, "db_notifier"),
		pgNotifyID: notifyID,
		onUpdate:   onUpdate,
	}
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) DocumentUpdated(ctx context.Context) bool {
	notifyErr := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelDocumentUpdated,
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for document update",
			tint.Err(notifyErr),
		)
		return false
	}
	p.logger.DebugContext(ctx, "sent document update notification", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	channel := postgresNotifyChannelDocumentUpdated
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryDelay):
			}
			continue
		}
		if notification.Payload == p.ID() {
			continue
		}
		logger.InfoContext(
			ctx,
			"document updated by another instance",
			"pg_notify_id", notification.Payload,
		)
		p.onUpdate()
	}
	return nil
}
