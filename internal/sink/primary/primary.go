// Package primary writes submissions as loosely-typed JSON documents through gorm:
// one upserted profile row per user plus append-only session, test and survey documents.
package primary

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/sink"
)

const Name = "primary"

// Document kinds.
const (
	KindSession = "session"
	KindTest    = "test"
	KindSurvey  = "survey"
)

// User is the upsert-by-key profile of a participant.
type User struct {
	UserID       string `gorm:"primaryKey;size:64"`
	Condition    string `gorm:"size:16;not null"`
	HitID        string `gorm:"size:128"`
	AssignmentID string `gorm:"size:128"`
	Profile      datatypes.JSON
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string { return "study_users" }

// Document is an append-only record. The (user, kind, fingerprint) natural key makes
// a replay of the same payload a no-op.
type Document struct {
	ID          string         `gorm:"primaryKey;size:36"`
	UserID      string         `gorm:"size:64;not null;uniqueIndex:idx_study_documents_natural,priority:1"`
	Kind        string         `gorm:"size:16;not null;uniqueIndex:idx_study_documents_natural,priority:2"`
	Fingerprint string         `gorm:"size:64;not null;uniqueIndex:idx_study_documents_natural,priority:3"`
	Recovered   bool           `gorm:"not null;default:false"`
	Body        datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time
}

func (Document) TableName() string { return "study_documents" }

// Open connects to a postgres or sqlite database.
func Open(driverName, dsn string, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	var dialector gorm.Dialector
	switch driverName {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported primary driver %q", driverName)
	}

	gormLog := gormLogger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driverName, err)
	}
	return db, nil
}

// Sink is the primary submission store.
type Sink struct {
	db  *gorm.DB
	log *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// New migrates the schema and returns the sink.
func New(db *gorm.DB, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&User{}, &Document{}); err != nil {
		return nil, fmt.Errorf("migrate primary schema: %w", err)
	}
	return &Sink{db: db, log: log.With("sink", Name)}, nil
}

func (s *Sink) Name() string { return Name }

// Write upserts the user profile and appends the documents of sub in one transaction.
// It returns the id of the session document.
func (s *Sink) Write(ctx context.Context, sub *model.Submission) (string, error) {
	docs, err := documents(sub)
	if err != nil {
		return "", &sink.TerminalError{Sink: Name, Err: err}
	}
	profile, err := json.Marshal(map[string]any{
		"condition":   sub.Condition,
		"pre_survey":  sub.PreSurvey,
		"post_survey": sub.PostSurvey,
		"metadata":    sub.Metadata,
	})
	if err != nil {
		return "", &sink.TerminalError{Sink: Name, Err: err}
	}

	var sessionID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := User{
			UserID:       sub.UserID,
			Condition:    string(sub.Condition),
			HitID:        sub.Metadata.HitID,
			AssignmentID: sub.Metadata.AssignmentID,
			Profile:      datatypes.JSON(profile),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"condition", "hit_id", "assignment_id", "profile", "updated_at"}),
		}).Create(&user).Error; err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}

		for i := range docs {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "kind"}, {Name: "fingerprint"}},
				DoNothing: true,
			}).Create(&docs[i]).Error; err != nil {
				return fmt.Errorf("append %s document: %w", docs[i].Kind, err)
			}
		}

		var session Document
		if err := tx.Where("user_id = ? AND kind = ? AND fingerprint = ?", sub.UserID, KindSession, docs[0].Fingerprint).
			Take(&session).Error; err != nil {
			return fmt.Errorf("read session document: %w", err)
		}
		sessionID = session.ID
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	s.log.Info("submission written", "user_id", sub.UserID, "document_id", sessionID, "recovered", sub.Metadata.Recovered)
	return sessionID, nil
}

// DocumentCount returns how many documents of kind are stored for userID. An empty kind counts all.
func (s *Sink) DocumentCount(ctx context.Context, userID, kind string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Document{}).Where("user_id = ?", userID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// documents splits sub into its session, test and survey documents, session first.
// Fingerprints ignore the recovered marker so a replay maps onto the original rows.
func documents(sub *model.Submission) ([]Document, error) {
	canonical := *sub
	canonical.Metadata.Recovered = false

	bodies := []struct {
		kind string
		body any
	}{
		{KindSession, canonical},
		{KindTest, map[string]any{
			"user_id":      canonical.UserID,
			"condition":    canonical.Condition,
			"test_section": canonical.TestSection,
			"submitted_at": canonical.SubmittedAt,
		}},
		{KindSurvey, map[string]any{
			"user_id":     canonical.UserID,
			"pre_survey":  canonical.PreSurvey,
			"post_survey": canonical.PostSurvey,
		}},
	}

	out := make([]Document, 0, len(bodies))
	for _, b := range bodies {
		raw, err := json.Marshal(b.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s document: %w", b.kind, err)
		}
		sum := sha256.Sum256(raw)
		out = append(out, Document{
			ID:          uuid.NewString(),
			UserID:      sub.UserID,
			Kind:        b.kind,
			Fingerprint: hex.EncodeToString(sum[:]),
			Recovered:   sub.Metadata.Recovered,
			Body:        datatypes.JSON(raw),
		})
	}
	return out, nil
}

// classify wraps err as a sink.TransientError or sink.TerminalError.
func classify(err error) error {
	if isTransient(err) {
		return &sink.TransientError{Sink: Name, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &sink.TerminalError{Sink: Name, Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 53 insufficient resources, 40001 serialization
		// failure, 40P01 deadlock, 57P03 cannot connect now.
		code := pgErr.Code
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") ||
			code == "40001" || code == "40P01" || code == "57P03"
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
