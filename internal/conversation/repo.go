package conversation

import (
	"context"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Repo persists the conversation snapshot to a local sqlite database so the
// conversation survives app restarts. Flags are transient and never stored.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Open opens (or creates) the snapshot database at path and migrates the
// message table.
func Open(path string) (*Repo, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, err
	}
	return NewRepo(db), nil
}

// SaveSnapshot replaces the stored messages with the given list, preserving
// order.
func (r *Repo) SaveSnapshot(ctx context.Context, msgs []Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Message{}).Error; err != nil {
			return err
		}
		for i := range msgs {
			m := msgs[i]
			m.Seq = 0 // reassigned on insert, keeps insertion order
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot returns the stored messages in conversation order.
func (r *Repo) LoadSnapshot(ctx context.Context) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
