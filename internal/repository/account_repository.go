package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/aneurysm-check/internal/logging"
)

var (
	// ErrNotFound is returned when no account matches a lookup.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("account already exists")
)

// User is a registered account. Passwords are stored and compared in
// plaintext, as the legacy account table did; do not reuse this table for
// anything that needs real credential storage.
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"column:username;uniqueIndex;size:50;not null"`
	Password  string    `gorm:"column:password;size:50;not null"`
	Email     string    `gorm:"column:email;uniqueIndex;size:100;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "user"
}

// AccountRepository provides persistence APIs for user accounts.
type AccountRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAccountRepository creates a new repository instance.
func NewAccountRepository(db *gorm.DB, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		db:             db,
		logger:         logger.Named("account_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AccountRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&User{})
	})
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, user *User) error {
	return r.executeWithRetry(ctx, "repository.create_user", "", func() error {
		err := r.db.WithContext(ctx).Create(user).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	})
}

// FindByID loads an account by primary key.
func (r *AccountRepository) FindByID(ctx context.Context, id uint) (*User, error) {
	return r.first(ctx, "repository.find_by_id", "id = ?", id)
}

// FindByUsername loads an account by username.
func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	return r.first(ctx, "repository.find_by_username", "username = ?", username)
}

// FindByEmail loads an account by email.
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.first(ctx, "repository.find_by_email", "email = ?", email)
}

// FindByCredentials loads the account whose username and password both
// match exactly.
func (r *AccountRepository) FindByCredentials(ctx context.Context, username, password string) (*User, error) {
	return r.first(ctx, "repository.find_by_credentials", "username = ? AND password = ?", username, password)
}

// Count returns the number of stored accounts.
func (r *AccountRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.executeWithRetry(ctx, "repository.count_users", "", func() error {
		return r.db.WithContext(ctx).Model(&User{}).Count(&n).Error
	})
	return n, err
}

func (r *AccountRepository) first(ctx context.Context, operation, query string, args ...interface{}) (*User, error) {
	var user User
	err := r.executeWithRetry(ctx, operation, "", func() error {
		err := r.db.WithContext(ctx).Where(query, args...).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *AccountRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := max(r.retryAttempts, 1)
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrDuplicate) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
