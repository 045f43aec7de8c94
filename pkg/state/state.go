package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/watermark"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store persists the scrape watermark and the files still waiting to be
// published, keyed by tracker source (entity/project).
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// LoadWatermark returns the saved state, or nil if none was saved.
	LoadWatermark(ctx context.Context, source string) (*watermark.State, error)

	// Commit saves the watermark and marks paths pending in one step.
	Commit(ctx context.Context, source string, wm watermark.State, paths []string) error

	// ListPending returns pending file paths in the order they were marked.
	ListPending(ctx context.Context, source string) ([]string, error)

	// ClearPending removes path from the pending set.
	ClearPending(ctx context.Context, source, path string) error
}

// Watermark is the persisted watermark of one source.
type Watermark struct {
	ID             uint   `gorm:"primaryKey"`
	Source         string `gorm:"not null;uniqueIndex"`
	MarkUnixNano   int64
	IsSet          bool
	BoundaryRunIDs string `gorm:"type:text"`
	UpdatedAt      time.Time
}

// PendingFile is a local file written but not yet published.
type PendingFile struct {
	ID       uint   `gorm:"primaryKey"`
	Source   string `gorm:"not null;uniqueIndex:idx_pending_source_path"`
	Path     string `gorm:"not null;uniqueIndex:idx_pending_source_path"`
	MarkedAt time.Time
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.StateConfig
	db  *gorm.DB
}

// NewStore creates a Store for the configured driver. The memory driver
// returns a non-durable store.
func NewStore(log logrus.FieldLogger, cfg *config.StateConfig) Store {
	if cfg.Driver == config.DriverMemory {
		return NewMemoryStore()
	}

	return &store{
		log: log.WithField("component", "state"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		if s.cfg.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(s.cfg.SQLite.Path), 0755); err != nil {
				return fmt.Errorf("creating state directory: %w", err)
			}
		}

		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported state driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == config.DriverSQLite && s.cfg.SQLite.Path == ":memory:" {
		// Every new connection would open a separate empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Watermark{},
		&PendingFile{},
	); err != nil {
		return fmt.Errorf("running state migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("State database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) LoadWatermark(ctx context.Context, source string) (*watermark.State, error) {
	var row Watermark

	err := s.db.WithContext(ctx).
		Where("source = ?", source).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading watermark: %w", err)
	}

	st := &watermark.State{Set: row.IsSet}

	if row.IsSet {
		st.Mark = time.Unix(0, row.MarkUnixNano).UTC()
	}

	if row.BoundaryRunIDs != "" {
		if err := json.Unmarshal([]byte(row.BoundaryRunIDs), &st.BoundaryRunIDs); err != nil {
			return nil, fmt.Errorf("decoding boundary run ids: %w", err)
		}
	}

	return st, nil
}

func (s *store) Commit(
	ctx context.Context,
	source string,
	wm watermark.State,
	paths []string,
) error {
	ids, err := json.Marshal(wm.BoundaryRunIDs)
	if err != nil {
		return fmt.Errorf("encoding boundary run ids: %w", err)
	}

	row := &Watermark{
		Source:         source,
		IsSet:          wm.Set,
		BoundaryRunIDs: string(ids),
	}

	if wm.Set {
		row.MarkUnixNano = wm.Mark.UnixNano()
	}

	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("source = ?", source).
			Assign(map[string]any{
				"mark_unix_nano":   row.MarkUnixNano,
				"is_set":           row.IsSet,
				"boundary_run_ids": row.BoundaryRunIDs,
			}).
			FirstOrCreate(row).Error; err != nil {
			return fmt.Errorf("saving watermark: %w", err)
		}

		for _, p := range paths {
			pf := &PendingFile{Source: source, Path: p, MarkedAt: now}

			if err := tx.
				Where("source = ? AND path = ?", source, p).
				FirstOrCreate(pf).Error; err != nil {
				return fmt.Errorf("marking %s pending: %w", p, err)
			}
		}

		return nil
	})
}

func (s *store) ListPending(ctx context.Context, source string) ([]string, error) {
	var paths []string
	if err := s.db.WithContext(ctx).
		Model(&PendingFile{}).
		Where("source = ?", source).
		Order("id ASC").
		Pluck("path", &paths).Error; err != nil {
		return nil, fmt.Errorf("listing pending files: %w", err)
	}

	return paths, nil
}

func (s *store) ClearPending(ctx context.Context, source, path string) error {
	if err := s.db.WithContext(ctx).
		Where("source = ? AND path = ?", source, path).
		Delete(&PendingFile{}).Error; err != nil {
		return fmt.Errorf("clearing pending file: %w", err)
	}

	return nil
}
