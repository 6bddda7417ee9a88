package report

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChunkRecord is the row a report becomes.
type ChunkRecord struct {
	ID           uint      `gorm:"primaryKey"`
	SessionID    string    `gorm:"uniqueIndex:idx_chunk_session_file;not null"`
	FileName     string    `gorm:"uniqueIndex:idx_chunk_session_file;not null"`
	OwnerID      string    `gorm:"index"`
	ObjectKey    string
	StartSeconds float64
	EndSeconds   float64
	Uploaded     bool
	ReportedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName implements gorm's tabler.
func (ChunkRecord) TableName() string { return "recording_chunks" }

func toRecords(reports []ChunkReport) []ChunkRecord {
	out := make([]ChunkRecord, len(reports))
	for i, r := range reports {
		out[i] = ChunkRecord{
			SessionID:    r.SessionID,
			FileName:     r.FileName,
			OwnerID:      r.OwnerID,
			ObjectKey:    r.Key,
			StartSeconds: r.StartSeconds,
			EndSeconds:   r.EndSeconds,
			Uploaded:     r.Uploaded,
			ReportedAt:   r.ReportedAt,
		}
	}
	return out
}

// upsert resolves repeat reports for the same chunk to the latest one.
var upsert = clause.OnConflict{
	Columns:   []clause.Column{{Name: "session_id"}, {Name: "file_name"}},
	DoUpdates: clause.AssignmentColumns([]string{"object_key", "start_seconds", "end_seconds", "uploaded", "reported_at", "updated_at"}),
}

// PostgresSink upserts reports into recording_chunks.
type PostgresSink struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the table.
func OpenPostgres(dsn string) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ChunkRecord{}); err != nil {
		return nil, err
	}
	return &PostgresSink{db: db}, nil
}

// NewPostgresSink wraps an existing connection.
func NewPostgresSink(db *gorm.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, reports []ChunkReport) error {
	if len(reports) == 0 {
		return nil
	}
	records := toRecords(dedupe(reports))
	return s.db.WithContext(ctx).Clauses(upsert).Create(&records).Error
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// dedupe keeps the last report per chunk; Postgres rejects a batch that
// touches the same conflict target twice.
func dedupe(reports []ChunkReport) []ChunkReport {
	type id struct{ session, file string }
	last := make(map[id]int, len(reports))
	for i, r := range reports {
		last[id{r.SessionID, r.FileName}] = i
	}
	out := make([]ChunkReport, 0, len(last))
	for i, r := range reports {
		if last[id{r.SessionID, r.FileName}] == i {
			out = append(out, r)
		}
	}
	return out
}
