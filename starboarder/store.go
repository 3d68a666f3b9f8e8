package starboarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

const (
	dbTypeJSON     = "json"
	dbTypeBolt     = "bolt"
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// documentUpdateAttempts is the number of times updateDocument will
	// re-read and re-apply a mutation after a stale write
	documentUpdateAttempts = 3
)

var (
	// ErrStaleDocument is returned by [Store.Save] when the document was
	// modified after it was loaded
	ErrStaleDocument = errors.New("document was modified since it was loaded")

	// errNoChange can be returned by an updateDocument func to skip the
	// save without failing the update
	errNoChange = errors.New("no change")

	dbOperationTimeout = 30 * time.Second
)

// Document is the single shared state document. Every component reads and
// writes the guild's state through it.
type Document struct {
	// Awards maps a normalized award name to the ID of the role it grants
	Awards map[string]string `json:"awards"`

	// UserAwards maps user ID -> award name -> count
	UserAwards map[string]map[string]int `json:"userAwards"`

	// MemberJoinDates holds one tracking entry per unverified member
	MemberJoinDates map[string]TrackingEntry `json:"memberJoinDates"`

	// StarboardPosts maps an original message ID to its mirror message ID
	StarboardPosts map[string]string `json:"starboardPosts"`

	VerificationProgress map[string]VerificationProgress `json:"verificationProgress"`

	RulesMessageID        string `json:"rulesMessageId,omitempty"`
	VerificationMessageID string `json:"verificationMessageId,omitempty"`
	ReactionRoleMessageID string `json:"reactionRoleMessageId,omitempty"`

	UserLocations map[string]string `json:"userLocations"`

	// PendingEvasionAlerts maps an alert message ID to the flagged user ID
	PendingEvasionAlerts map[string]string `json:"pendingEvasionAlerts"`

	// AdminTokenHash is the argon2id hash of the admin API bearer token
	AdminTokenHash string `json:"adminTokenHash,omitempty"`

	// Version is bumped on every successful save
	Version int64 `json:"version"`

	// StarredMessageIDs is only read, to migrate older documents
	StarredMessageIDs []string `json:"starredMessageIds,omitempty"`
}

// TrackingEntry marks a member as subject to verification deadlines
type TrackingEntry struct {
	Joined       time.Time `json:"joined"`
	ReminderSent bool      `json:"reminderSent"`
	// GuildID is the guild the member joined. Empty for entries written
	// by older versions.
	GuildID string `json:"guildId,omitempty"`
}

// UnmarshalJSON accepts both the object form and bare ISO-8601 strings
// written by older versions
func (t *TrackingEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		joined, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid join date %q: %w", s, err)
		}
		*t = TrackingEntry{Joined: joined}
		return nil
	}

	type trackingEntry TrackingEntry
	var entry trackingEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return err
	}
	*t = TrackingEntry(entry)
	return nil
}

func (t TrackingEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Time("joined", t.Joined),
		slog.Bool("reminder_sent", t.ReminderSent),
		slog.String("guild_id", t.GuildID),
	)
}

// ownedBy reports whether guildID may act on the entry. Entries without a
// guild belong to the guild the member is in, or to the only guild.
func (t TrackingEntry) ownedBy(guildID string, isMember bool, guildCount int) bool {
	if t.GuildID != "" {
		return t.GuildID == guildID
	}
	return isMember || guildCount <= 1
}

// DefaultDocument returns an empty document with every collection
// initialized
func DefaultDocument() *Document {
	doc := &Document{}
	upgradeDocument(doc)
	return doc
}

// Store loads and saves the shared document
type Store interface {
	// Load returns the current document. Missing or undecodable data
	// yields [DefaultDocument], not an error.
	Load(ctx context.Context) (*Document, error)

	// Save writes the whole document, returning [ErrStaleDocument] if
	// it was modified by someone else since it was loaded.
	Save(ctx context.Context, doc *Document) error

	Close() error
}

// NewStore returns the Store for the configured database type
func NewStore(
	ctx context.Context,
	config *Config,
	logger *slog.Logger,
) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch config.DatabaseType {
	case dbTypeJSON, "":
		return newJSONFileStore(config.Database, logger), nil
	case dbTypeBolt:
		return newBoltStore(config.Database, logger)
	case dbTypeSQLite, dbTypePostgres:
		var level slog.Leveler = DefaultDatabaseLogLevel
		if config.DatabaseLogLevel != nil {
			level = config.DatabaseLogLevel
		}
		db, err := CreateDB(
			ctx,
			config.DatabaseType,
			config.Database,
			level,
			config.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, fmt.Errorf("error opening database: %w", err)
		}
		return newGORMStore(db, config.Database, logger), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %q", config.DatabaseType)
	}
}

// upgradeDocument fills in missing collections and migrates fields left
// by older versions. Returns true if the document was modified.
func upgradeDocument(doc *Document) bool {
	var modified bool
	if doc.Awards == nil {
		doc.Awards = map[string]string{}
		modified = true
	}
	if doc.UserAwards == nil {
		doc.UserAwards = map[string]map[string]int{}
		modified = true
	}
	if doc.MemberJoinDates == nil {
		doc.MemberJoinDates = map[string]TrackingEntry{}
		modified = true
	}
	if doc.StarredMessageIDs != nil {
		// mirror IDs were never recorded for these, so the mapping is
		// rebuilt from the starboard channel by /starboard-migrate
		doc.StarredMessageIDs = nil
		doc.StarboardPosts = map[string]string{}
		modified = true
	}
	if doc.StarboardPosts == nil {
		doc.StarboardPosts = map[string]string{}
		modified = true
	}
	if doc.VerificationProgress == nil {
		doc.VerificationProgress = map[string]VerificationProgress{}
		modified = true
	}
	if doc.UserLocations == nil {
		doc.UserLocations = map[string]string{}
		modified = true
	}
	if doc.PendingEvasionAlerts == nil {
		doc.PendingEvasionAlerts = map[string]string{}
		modified = true
	}
	for userID, progress := range doc.VerificationProgress {
		state := progress.state()
		if progress.State != state {
			progress.State = state
			doc.VerificationProgress[userID] = progress
			modified = true
		}
	}
	return modified
}

// decodeDocument unmarshals a stored document. The returned error is only
// informational: the document is always usable. A payload that fails to
// decode yields the default document carrying the stored version, so the
// next save replaces it.
func decodeDocument(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return DefaultDocument(), nil
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		doc = DefaultDocument()
		doc.Version = storedVersion(data)
		return doc, err
	}
	upgradeDocument(doc)
	return doc, nil
}

// storedVersion returns the version recorded in the given payload, or 0
// if it can't be read
func storedVersion(data []byte) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0
	}
	return v.Version
}

// updateDocument loads the document, applies fn and saves the result.
// If fn returns an error, nothing is saved and the error is returned
// (errNoChange is swallowed). A stale write re-loads and re-applies fn.
func updateDocument(
	ctx context.Context,
	store Store,
	fn func(doc *Document) error,
) (*Document, error) {
	logger := contextLoggerOr(ctx, nil)

	var lastErr error
	for attempt := 1; attempt <= documentUpdateAttempts; attempt++ {
		doc, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("error loading document: %w", err)
		}
		if err = fn(doc); err != nil {
			if errors.Is(err, errNoChange) {
				return doc, nil
			}
			return doc, err
		}
		err = store.Save(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrStaleDocument) {
			return doc, fmt.Errorf("error saving document: %w", err)
		}
		lastErr = err
		logger.WarnContext(
			ctx,
			"document changed during update, retrying",
			"attempt", attempt,
			tint.Err(err),
		)
	}
	return nil, lastErr
}

// withStoreTimeout applies dbOperationTimeout to contexts without a deadline
func withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// SetAdminToken stores the hash of token as the admin API bearer token,
// replacing any previous token
func SetAdminToken(ctx context.Context, store Store, token string) error {
	hash, err := HashToken(token)
	if err != nil {
		return err
	}
	_, err = updateDocument(
		ctx, store, func(doc *Document) error {
			doc.AdminTokenHash = hash
			return nil
		},
	)
	return err
}
