package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/buildpulse/buildpulse/server/internal/build"
)

// Options selects and configures the database backend.
type Options struct {
	// Driver is one of: sqlite | mysql. Empty means sqlite.
	Driver string

	// Path is the SQLite database file. Used when Driver is sqlite.
	Path string

	// DSN is the MySQL data source name. It must include parseTime=true.
	DSN string
}

// Window is an inclusive started_at range.
type Window struct {
	Since time.Time
	Until time.Time
}

// row is the persisted form of build.Record in the builds table.
type row struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement:true"`
	Provider        string     `gorm:"column:provider;size:255;not null;index"`
	Pipeline        string     `gorm:"column:pipeline;size:255;not null;index:idx_builds_pipeline_started,priority:1"`
	Repo            string     `gorm:"column:repo;size:255;not null;index"`
	Branch          string     `gorm:"column:branch;size:255;not null"`
	Status          string     `gorm:"column:status;size:32;not null;index"`
	StartedAt       time.Time  `gorm:"column:started_at;not null;index;index:idx_builds_pipeline_started,priority:2"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	DurationSeconds *float64   `gorm:"column:duration_seconds"`
	URL             string     `gorm:"column:url;size:2048"`
	Logs            string     `gorm:"column:logs;type:text"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
}

func (row) TableName() string { return "builds" }

// Store is the durable, append-only build log. Appends are serialized so that
// IDs are assigned atomically and in insertion order; reads run concurrently
// with writes and observe every append that has returned.
type Store struct {
	db  *gorm.DB
	mu  sync.Mutex       // held across the INSERT in Append
	now func() time.Time // injectable for deterministic tests
}

// Open connects to the configured database and migrates the builds table.
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "", "sqlite":
		if opts.Path == "" {
			return nil, fmt.Errorf("store: sqlite path is required")
		}
		dialector = sqlite.Open(opts.Path + "?_busy_timeout=5000&_journal_mode=WAL")
	case "mysql":
		if opts.DSN == "" {
			return nil, fmt.Errorf("store: mysql dsn is required")
		}
		dialector = mysql.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, build.StorageError("open", err)
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the builds table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, build.StorageError("migrate", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append validates rec and inserts it, returning the stored copy with its
// assigned ID. Nothing is written when validation fails.
func (s *Store) Append(ctx context.Context, rec build.Record) (build.Record, error) {
	if err := rec.Validate(); err != nil {
		return build.Record{}, err
	}

	r := toRow(rec)
	r.ID = 0
	r.CreatedAt = s.now().UTC()

	s.mu.Lock()
	err := s.db.WithContext(ctx).Create(&r).Error
	s.mu.Unlock()
	if err != nil {
		return build.Record{}, build.StorageError("append", err)
	}
	return fromRow(r), nil
}

// Query returns the records whose started_at falls within w, newest first
// (ties broken by descending ID). When pipeline is non-empty only that
// pipeline's records are returned.
func (s *Store) Query(ctx context.Context, w Window, pipeline string) ([]build.Record, error) {
	q := s.db.WithContext(ctx).
		Where("started_at >= ? AND started_at <= ?", w.Since.UTC(), w.Until.UTC())
	if pipeline != "" {
		q = q.Where("pipeline = ?", pipeline)
	}

	var rows []row
	if err := q.Order("started_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, build.StorageError("query", err)
	}
	return fromRows(rows), nil
}

// Latest returns the most recent record for pipeline, or for all pipelines
// when pipeline is empty. It returns build.ErrNotFound when there is none.
func (s *Store) Latest(ctx context.Context, pipeline string) (build.Record, error) {
	q := s.db.WithContext(ctx)
	if pipeline != "" {
		q = q.Where("pipeline = ?", pipeline)
	}

	var r row
	err := q.Order("started_at DESC").Order("id DESC").Limit(1).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return build.Record{}, build.ErrNotFound
	}
	if err != nil {
		return build.Record{}, build.StorageError("latest", err)
	}
	return fromRow(r), nil
}

// Recent returns one page of records, most recent first.
func (s *Store) Recent(ctx context.Context, limit, offset int) ([]build.Record, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Order("started_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, build.StorageError("recent", err)
	}
	return fromRows(rows), nil
}

// Get returns the record with the given ID or build.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (build.Record, error) {
	var r row
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return build.Record{}, build.ErrNotFound
	}
	if err != nil {
		return build.Record{}, build.StorageError("get", err)
	}
	return fromRow(r), nil
}

// Count returns the total number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&row{}).Count(&n).Error; err != nil {
		return 0, build.StorageError("count", err)
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return build.StorageError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return build.StorageError("ping", err)
	}
	return nil
}

// --- conversion -------------------------------------------------------------

func toRow(r build.Record) row {
	out := row{
		ID:              r.ID,
		Provider:        r.Provider,
		Pipeline:        r.Pipeline,
		Repo:            r.Repo,
		Branch:          r.Branch,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt.UTC(),
		DurationSeconds: r.DurationSeconds,
		URL:             r.URL,
		Logs:            r.Logs,
	}
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC()
		out.CompletedAt = &c
	}
	return out
}

func fromRow(r row) build.Record {
	out := build.Record{
		ID:              r.ID,
		Provider:        r.Provider,
		Pipeline:        r.Pipeline,
		Repo:            r.Repo,
		Branch:          r.Branch,
		Status:          build.Status(r.Status),
		StartedAt:       r.StartedAt.UTC(),
		DurationSeconds: r.DurationSeconds,
		URL:             r.URL,
		Logs:            r.Logs,
		CreatedAt:       r.CreatedAt.UTC(),
	}
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC()
		out.CompletedAt = &c
	}
	return out
}

func fromRows(rows []row) []build.Record {
	out := make([]build.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out
}
