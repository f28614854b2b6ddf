package qalinker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// StoredMessage is the database model for a MessageRecord. Best answers
// aren't stored, they're recomputed from the answer links when
// records are restored.
type StoredMessage struct {
	MessageID      string    `gorm:"primaryKey" json:"message_id"`
	ChannelID      string    `gorm:"index" json:"channel_id"`
	GuildID        string    `json:"guild_id"`
	AuthorID       string    `json:"author_id"`
	AuthorName     string    `json:"author_name"`
	Text           string    `json:"text"`
	Timestamp      time.Time `gorm:"column:sent_at;index" json:"timestamp"`
	ReplyToID      string    `json:"reply_to_id"`
	Vector         []float32 `gorm:"serializer:json;type:text" json:"-"`
	EmbeddingModel string    `gorm:"index" json:"embedding_model"`
	Intent         string    `json:"intent"`
	Confidence     float64   `json:"confidence"`
	QuestionID     string    `gorm:"index" json:"question_id"`
	CreatedAt      int64     `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt      int64     `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (StoredMessage) TableName() string {
	return "message_records"
}

func newStoredMessage(rec MessageRecord, model string) StoredMessage {
	return StoredMessage{
		MessageID:      rec.MessageID,
		ChannelID:      rec.ChannelID,
		GuildID:        rec.GuildID,
		AuthorID:       rec.AuthorID,
		AuthorName:     rec.AuthorName,
		Text:           rec.Text,
		Timestamp:      rec.Timestamp.UTC(),
		ReplyToID:      rec.ReplyToID,
		Vector:         rec.Vector,
		EmbeddingModel: model,
		Intent:         rec.Intent.String(),
		Confidence:     rec.Confidence,
		QuestionID:     rec.QuestionID,
	}
}

func (m StoredMessage) record() MessageRecord {
	return MessageRecord{
		MessageID:  m.MessageID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		ReplyToID:  m.ReplyToID,
		Vector:     m.Vector,
		Intent:     Intent(m.Intent),
		Confidence: m.Confidence,
		QuestionID: m.QuestionID,
	}
}

// EmbeddingCacheEntry is a stored embedding, keyed by the embedding model
// and a hash of the embedded text
type EmbeddingCacheEntry struct {
	Model     string    `gorm:"primaryKey" json:"model"`
	TextHash  string    `gorm:"primaryKey" json:"text_hash"`
	Vector    []float32 `gorm:"serializer:json;type:text" json:"-"`
	CreatedAt int64     `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (EmbeddingCacheEntry) TableName() string {
	return "embedding_cache"
}

// CreateDB opens the database and migrates the schema, logging
// at the warn level.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	return createDB(ctx, databaseType, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
}

func createDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormLogger.logger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return nil, err
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(
		&StoredMessage{},
		&EmbeddingCacheEntry{},
	); err != nil {
		txn.Rollback()
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	if err = txn.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing migration: %w", err)
	}

	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
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
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// RecordJournal saves message records to the database, so History can be
// restored after a restart. Only records embedded with the journal's
// model are loaded, since vectors from different models can't be compared.
type RecordJournal struct {
	db     *gorm.DB
	model  string
	logger *slog.Logger
}

func NewRecordJournal(db *gorm.DB, model string, logger *slog.Logger) *RecordJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordJournal{
		db:     db,
		model:  model,
		logger: logger.With(loggerNameKey, "record_journal"),
	}
}

// Save inserts or updates the given records
func (j *RecordJournal) Save(ctx context.Context, records ...MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]StoredMessage, 0, len(records))
	for _, rec := range records {
		rows = append(rows, newStoredMessage(rec, j.model))
	}

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	err := j.db.WithContext(ctx).Clauses(
		clause.OnConflict{UpdateAll: true},
	).Create(&rows).Error
	if err != nil {
		j.logger.ErrorContext(ctx, "error saving records", tint.Err(err), "count", len(rows))
		return fmt.Errorf("error saving records: %w", err)
	}
	return nil
}

// Load returns up to limit of the most recent records newer than
// since, oldest first. A zero since or limit isn't applied.
func (j *RecordJournal) Load(ctx context.Context, since time.Time, limit int) ([]MessageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	query := j.db.WithContext(ctx).Where("embedding_model = ?", j.model)
	if !since.IsZero() {
		query = query.Where("sent_at >= ?", since.UTC())
	}
	query = query.Order("sent_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []StoredMessage
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error loading records: %w", err)
	}
	slices.Reverse(rows)

	records := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

// Prune deletes records older than before, returning the number deleted
func (j *RecordJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	result := j.db.WithContext(ctx).Where(
		"sent_at < ?",
		before.UTC(),
	).Delete(&StoredMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("error pruning records: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		j.logger.InfoContext(ctx, "pruned old records", "count", result.RowsAffected, "before", before)
	}
	return result.RowsAffected, nil
}

// EmbeddingCache stores embeddings in the database, so the same text
// isn't re-embedded across restarts.
type EmbeddingCache struct {
	db *gorm.DB
}

func NewEmbeddingCache(db *gorm.DB) *EmbeddingCache {
	return &EmbeddingCache{db: db}
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached embedding for the text, if present
func (c *EmbeddingCache) Get(ctx context.Context, model string, text string) ([]float32, bool, error) {
	var entry EmbeddingCacheEntry
	result := c.db.WithContext(ctx).Where(
		"model = ? AND text_hash = ?",
		model,
		textHash(text),
	).Limit(1).Find(&entry)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return entry.Vector, true, nil
}

// Put stores the embedding for the text, ignoring existing entries
func (c *EmbeddingCache) Put(ctx context.Context, model string, text string, vec []float32) error {
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(
		&EmbeddingCacheEntry{
			Model:    model,
			TextHash: textHash(text),
			Vector:   vec,
		},
	).Error
}
