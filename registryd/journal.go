package registryd

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	didvcr "github.com/did-vc-registry/go-didvcr"
)

// attrsDB wraps the envelope attribute map to provide SQL Scanner/Valuer for GORM storage.
type attrsDB map[string]string

func (a attrsDB) Value() (driver.Value, error) {
	return json.Marshal(map[string]string(a))
}

func (a *attrsDB) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for attrsDB: %T", value)
	}
	return json.Unmarshal(bytes, (*map[string]string)(a))
}

// EventRecord is one audit envelope row. ID is the journal-wide export
// cursor; (ledger, seq) is the per-instance chain position. The envelope
// timestamp is stored as its original string so CID verification survives a
// round trip through the database.
type EventRecord struct {
	ID     uint64  `gorm:"primaryKey;autoIncrement"`
	Ledger string  `gorm:"column:ledger;not null;uniqueIndex:idx_events_ledger_seq,priority:1"`
	Seq    uint64  `gorm:"column:seq;not null;uniqueIndex:idx_events_ledger_seq,priority:2"`
	CID    string  `gorm:"column:cid;not null"`
	Prev   string  `gorm:"column:prev"`
	Kind   string  `gorm:"column:kind;not null"`
	Attrs  attrsDB `gorm:"column:attrs;not null"`
	Time   string  `gorm:"column:event_time;not null"`
}

func (EventRecord) TableName() string {
	return "events"
}

// MirrorCursor tracks how far a mirror has ingested from an upstream host.
type MirrorCursor struct {
	Host string `gorm:"primaryKey"`
	Seq  uint64 `gorm:"not null"`
}

// ExportEntry is one line of the export feed: the journal-wide sequence
// number plus the envelope itself.
type ExportEntry struct {
	Seq      uint64          `json:"seq"`
	Envelope didvcr.Envelope `json:"envelope"`
}

// Journal is the persistent, append-only audit event log. It implements
// didvcr.EventSink; the engine commit is authoritative, so an append failure
// is logged and counted rather than unwinding ledger state.
type Journal struct {
	db       *gorm.DB
	logger   *slog.Logger
	onAppend func(ExportEntry)
}

var _ didvcr.EventSink = (*Journal)(nil)

// NewJournalWithDialector creates a journal over any gorm dialector.
func NewJournalWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*Journal, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "journal").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&EventRecord{}, &MirrorCursor{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger.With("component", "journal"),
	}, nil
}

func NewJournalWithSqlite(dbPath string, logger *slog.Logger) (*Journal, error) {
	return NewJournalWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewJournalWithPostgres(dsn string, logger *slog.Logger) (*Journal, error) {
	return NewJournalWithDialector(postgres.Open(dsn), logger)
}

// OnAppend registers a callback invoked after every successful append, with
// the journal-assigned export seq. Must be set before events start flowing.
func (j *Journal) OnAppend(fn func(ExportEntry)) {
	j.onAppend = fn
}

// Publish implements didvcr.EventSink.
func (j *Journal) Publish(env didvcr.Envelope) {
	if err := j.Append(context.Background(), env); err != nil {
		j.logger.Error("failed to append event",
			"ledger", env.Ledger, "seq", env.Seq, "kind", env.Kind, "error", err)
	}
}

// Append stores one envelope and notifies the OnAppend callback.
func (j *Journal) Append(ctx context.Context, env didvcr.Envelope) error {
	rec := recordFromEnvelope(env)
	if err := j.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	JournalAppendsCounter.Add(ctx, 1)
	if j.onAppend != nil {
		j.onAppend(ExportEntry{Seq: rec.ID, Envelope: env})
	}
	return nil
}

// Latest returns the most recent envelope for a ledger instance, or nil if
// none has been journaled yet.
func (j *Journal) Latest(ctx context.Context, ledger string) (*didvcr.Envelope, error) {
	var rec EventRecord
	result := j.db.WithContext(ctx).
		Where("ledger = ?", ledger).
		Order("seq DESC").
		Take(&rec)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	env := envelopeFromRecord(rec)
	return &env, nil
}

// ListAfter returns up to limit envelopes of one ledger's chain with seq
// greater than afterSeq, in chain order.
func (j *Journal) ListAfter(ctx context.Context, ledger string, afterSeq uint64, limit int) ([]didvcr.Envelope, error) {
	var recs []EventRecord
	result := j.db.WithContext(ctx).
		Where("ledger = ? AND seq > ?", ledger, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	out := make([]didvcr.Envelope, 0, len(recs))
	for _, rec := range recs {
		out = append(out, envelopeFromRecord(rec))
	}
	return out, nil
}

// Export returns up to limit entries across all ledgers with export seq
// greater than afterSeq, in append order.
func (j *Journal) Export(ctx context.Context, afterSeq uint64, limit int) ([]ExportEntry, error) {
	var recs []EventRecord
	result := j.db.WithContext(ctx).
		Where("id > ?", afterSeq).
		Order("id ASC").
		Limit(limit).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	out := make([]ExportEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ExportEntry{Seq: rec.ID, Envelope: envelopeFromRecord(rec)})
	}
	return out, nil
}

func (j *Journal) PutCursor(ctx context.Context, host string, seq uint64) error {
	// upsert
	result := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&MirrorCursor{
		Host: host,
		Seq:  seq,
	})
	return result.Error
}

// GetCursor returns 0 for unknown hosts, since new mirrors start from the beginning.
func (j *Journal) GetCursor(ctx context.Context, host string) (uint64, error) {
	var cursor MirrorCursor
	result := j.db.WithContext(ctx).Where("host = ?", host).Take(&cursor)
	if result.Error == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if result.Error != nil {
		return 0, result.Error
	}
	return cursor.Seq, nil
}

func recordFromEnvelope(env didvcr.Envelope) EventRecord {
	return EventRecord{
		Ledger: env.Ledger,
		Seq:    env.Seq,
		CID:    env.CID,
		Prev:   env.Prev,
		Kind:   env.Kind,
		Attrs:  attrsDB(env.Attrs),
		Time:   env.Time,
	}
}

func envelopeFromRecord(rec EventRecord) didvcr.Envelope {
	return didvcr.Envelope{
		Ledger: rec.Ledger,
		Seq:    rec.Seq,
		Prev:   rec.Prev,
		Kind:   rec.Kind,
		Attrs:  map[string]string(rec.Attrs),
		Time:   rec.Time,
		CID:    rec.CID,
	}
}
