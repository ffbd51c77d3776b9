package chatlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// roomLog is one mirror entry: the JSON text of a room's full sequence.
type roomLog struct {
	RoomKey   string `gorm:"primaryKey;size:255"`
	Payload   string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (roomLog) TableName() string {
	return "room_logs"
}

// GormStore keeps room mirrors in a SQLite database through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (creating if needed) the SQLite database at path.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	sqlDB.SetMaxOpenConns(1)

	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB uses an already opened database and runs migrations.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&roomLog{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Load returns the stored sequence for room.
func (s *GormStore) Load(ctx context.Context, room string) ([]protocol.Message, error) {
	var entry roomLog
	err := s.db.WithContext(ctx).First(&entry, "room_key = ?", MirrorKey(room)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room log: %w", err)
	}
	return decodeMessages(entry.Payload)
}

// Save overwrites the stored sequence for room.
func (s *GormStore) Save(ctx context.Context, room string, messages []protocol.Message) error {
	payload, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	entry := roomLog{RoomKey: MirrorKey(room), Payload: payload, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to save room log: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
