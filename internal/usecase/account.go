package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/logging"
	"github.com/example/aneurysm-check/internal/repository"
)

var (
	// ErrAccountConflict is returned when signup collides with an existing
	// account.
	ErrAccountConflict = errors.New("account already exists")
	// ErrEmailConflict is the email flavour of ErrAccountConflict.
	ErrEmailConflict = &conflictError{msg: "email already registered"}
	// ErrInvalidCredentials is returned when login fails for any reason.
	ErrInvalidCredentials = errors.New("incorrect username/password")
	// ErrValidation marks rejected user input.
	ErrValidation = errors.New("validation failed")
)

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }
func (e *conflictError) Unwrap() error { return ErrAccountConflict }

// ValidationError names the input field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// AccountRepository defines the persistence operations needed by the
// account flows.
type AccountRepository interface {
	Create(ctx context.Context, user *repository.User) error
	FindByID(ctx context.Context, id uint) (*repository.User, error)
	FindByUsername(ctx context.Context, username string) (*repository.User, error)
	FindByEmail(ctx context.Context, email string) (*repository.User, error)
	FindByCredentials(ctx context.Context, username, password string) (*repository.User, error)
}

// SignupRequest carries the signup form.
type SignupRequest struct {
	Username string
	Password string
	Email    string
}

// AccountUseCase implements signup and login.
type AccountUseCase struct {
	repo   AccountRepository
	logger *zap.Logger
}

// NewAccountUseCase constructs a new use case instance.
func NewAccountUseCase(repo AccountRepository, logger *zap.Logger) *AccountUseCase {
	return &AccountUseCase{repo: repo, logger: logger.Named("account_usecase")}
}

// Signup creates an account. An existing username or email leaves the
// store untouched and returns an error wrapping ErrAccountConflict.
func (uc *AccountUseCase) Signup(ctx context.Context, req SignupRequest) (*repository.User, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.signup", requestID)

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validateSignup(req); err != nil {
		return nil, err
	}

	if _, err := uc.repo.FindByUsername(ctx, req.Username); err == nil {
		opLogger.Info("signup rejected", zap.String("reason", "username taken"))
		return nil, ErrAccountConflict
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, logging.NewOperationError("usecase.signup", requestID, err)
	}

	if _, err := uc.repo.FindByEmail(ctx, req.Email); err == nil {
		opLogger.Info("signup rejected", zap.String("reason", "email taken"))
		return nil, ErrEmailConflict
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, logging.NewOperationError("usecase.signup", requestID, err)
	}

	user := &repository.User{
		Username:  req.Username,
		Password:  req.Password,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.repo.Create(ctx, user); err != nil {
		// lost a race with a concurrent signup
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrAccountConflict
		}
		opLogger.Error("failed to create account", zap.Error(err))
		return nil, logging.NewOperationError("usecase.signup", requestID, err)
	}

	opLogger.Info("account created", zap.Uint("user_id", user.ID))
	return user, nil
}

// Login checks the credentials and returns the matching account.
func (uc *AccountUseCase) Login(ctx context.Context, username, password string) (*repository.User, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := uc.repo.FindByCredentials(ctx, username, password)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, logging.NewOperationError("usecase.login", "", err)
	}
	return user, nil
}

// GetAccount loads the account for an authenticated session.
func (uc *AccountUseCase) GetAccount(ctx context.Context, id uint) (*repository.User, error) {
	user, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_account", "", err)
	}
	return user, nil
}

func validateSignup(req SignupRequest) error {
	switch {
	case req.Username == "":
		return &ValidationError{Field: "username", Message: "required"}
	case len(req.Username) > 50:
		return &ValidationError{Field: "username", Message: "at most 50 characters"}
	case req.Password == "":
		return &ValidationError{Field: "password", Message: "required"}
	case len(req.Password) > 50:
		return &ValidationError{Field: "password", Message: "at most 50 characters"}
	case req.Email == "":
		return &ValidationError{Field: "email", Message: "required"}
	case len(req.Email) > 100:
		return &ValidationError{Field: "email", Message: "at most 100 characters"}
	case !strings.Contains(req.Email, "@"):
		return &ValidationError{Field: "email", Message: "must be an email address"}
	}
	return nil
}
