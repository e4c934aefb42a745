package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atscard/webpush"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// subscriptionModel is the persistence model for the push_subscriptions table.
type subscriptionModel struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	UserID    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_push_subscriptions_user_endpoint,priority:1"`
	Endpoint  string `gorm:"type:text;not null;uniqueIndex:idx_push_subscriptions_user_endpoint,priority:2"`
	P256dh    string `gorm:"type:text;not null"`
	Auth      string `gorm:"type:text;not null"`
	UserAgent string `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (subscriptionModel) TableName() string {
	return "push_subscriptions"
}

func modelFromRecord(r *Record) *subscriptionModel {
	return &subscriptionModel{
		ID:        r.ID,
		UserID:    r.UserID,
		Endpoint:  r.Subscription.Endpoint,
		P256dh:    r.Subscription.Keys.P256dh,
		Auth:      r.Subscription.Keys.Auth,
		UserAgent: r.UserAgent,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (m *subscriptionModel) record() *Record {
	return &Record{
		ID:        m.ID,
		UserID:    m.UserID,
		UserAgent: m.UserAgent,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Subscription: &webpush.Subscription{
			Endpoint: m.Endpoint,
			Keys: webpush.Keys{
				P256dh: m.P256dh,
				Auth:   m.Auth,
			},
		},
	}
}

// Gorm implements storage on any database gorm supports. Production
// deployments use PostgreSQL via OpenPostgres.
type Gorm struct {
	db *gorm.DB
}

// OpenPostgres connects to PostgreSQL and migrates the subscription schema.
func OpenPostgres(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s, err := NewGorm(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// NewGorm wraps an open gorm connection, applying schema migrations first.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Gorm{db: db}, nil
}

func migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_push_subscriptions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&subscriptionModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_push_subscriptions_created_at ON push_subscriptions (created_at)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&subscriptionModel{})
			},
		},
	})
	return m.Migrate()
}

// Save stores or updates a subscription.
func (s *Gorm) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing subscriptionModel
		err := tx.Where("user_id = ? AND endpoint = ?", record.UserID, record.Subscription.Endpoint).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && record.ID != "" {
			err = tx.Where("id = ?", record.ID).Take(&existing).Error
		}

		switch {
		case err == nil:
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
			prepare(record, time.Now().UTC())
			return tx.Save(modelFromRecord(record)).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			prepare(record, time.Now().UTC())
			return tx.Create(modelFromRecord(record)).Error
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return nil
}

// Get retrieves a subscription by ID.
func (s *Gorm) Get(ctx context.Context, id string) (*Record, error) {
	return s.take(ctx, "id = ?", id)
}

// GetByEndpoint retrieves a user's subscription by its endpoint URL.
func (s *Gorm) GetByEndpoint(ctx context.Context, userID, endpoint string) (*Record, error) {
	return s.take(ctx, "user_id = ? AND endpoint = ?", userID, endpoint)
}

// GetByUserID retrieves all subscriptions for a user.
func (s *Gorm) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	var models []subscriptionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return records(models), nil
}

// Delete removes a subscription by ID.
func (s *Gorm) Delete(ctx context.Context, id string) error {
	ok, err := s.DeleteIfExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteIfExists removes a subscription by ID if it is still present.
func (s *Gorm) DeleteIfExists(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&subscriptionModel{})
	if result.Error != nil {
		return false, fmt.Errorf("deleting subscription: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteByEndpoint removes a user's subscription by its endpoint URL.
func (s *Gorm) DeleteByEndpoint(ctx context.Context, userID, endpoint string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&subscriptionModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all subscriptions with pagination.
func (s *Gorm) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	if err := checkPage(limit, offset); err != nil {
		return nil, err
	}
	var models []subscriptionModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return records(models), nil
}

// Close closes the underlying database connection.
func (s *Gorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Gorm) take(ctx context.Context, query string, args ...any) (*Record, error) {
	var m subscriptionModel
	err := s.db.WithContext(ctx).Where(query, args...).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return m.record(), nil
}

func records(models []subscriptionModel) []*Record {
	out := make([]*Record, 0, len(models))
	for i := range models {
		out = append(out, models[i].record())
	}
	return out
}
