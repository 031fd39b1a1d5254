package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 64
)

var (
	// ErrInvalidRegistration indicates that sign-up input failed validation.
	ErrInvalidRegistration = errors.New("users: invalid registration")
	// ErrUsernameTaken indicates that another account already uses the username.
	ErrUsernameTaken = errors.New("users: username already registered")
	// ErrEmailTaken indicates that another account already uses the email address.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates that the login or password did not match.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates that no account matches the lookup.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
	HashCost int
}

// Service manages user accounts and password authentication.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	newID    func() (string, error)
	hashCost int
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newUUIDv7
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		newID:    newID,
		hashCost: hashCost,
	}, nil
}

// Registration is the sign-up input.
type Registration struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, registration Registration) (User, error) {
	username := normalizeLogin(registration.Username)
	email := normalizeLogin(registration.Email)
	if username == "" || len(username) > maxUsernameLength || strings.ContainsAny(username, " @") {
		return User{}, fmt.Errorf("%w: username", ErrInvalidRegistration)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, fmt.Errorf("%w: email", ErrInvalidRegistration)
	}
	if len(registration.Password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: password shorter than %d characters", ErrInvalidRegistration, minPasswordLength)
	}

	if taken, err := s.exists(ctx, "username = ?", username); err != nil {
		return User{}, err
	} else if taken {
		return User{}, ErrUsernameTaken
	}
	if taken, err := s.exists(ctx, "email = ?", email); err != nil {
		return User{}, err
	} else if taken {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(registration.Password), s.hashCost)
	if err != nil {
		return User{}, err
	}
	userID, err := s.newID()
	if err != nil {
		return User{}, err
	}

	now := s.now().UTC()
	displayName := normalize(registration.DisplayName)
	if displayName == "" {
		displayName = username
	}
	user := User{
		ID:           userID,
		Username:     username,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// Authenticate verifies a login (username or email) and password pair.
func (s *Service) Authenticate(ctx context.Context, login, password string) (User, error) {
	user, err := s.FindByLogin(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// FindByID loads the account with the given identifier.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, ErrUserNotFound
	}
	return s.first(ctx, "user_id = ?", userID)
}

// FindByLogin loads the account whose username or email matches login.
func (s *Service) FindByLogin(ctx context.Context, login string) (User, error) {
	login = normalizeLogin(login)
	if login == "" {
		return User{}, ErrUserNotFound
	}
	if strings.Contains(login, "@") {
		return s.first(ctx, "email = ?", login)
	}
	return s.first(ctx, "username = ?", login)
}

func (s *Service) first(ctx context.Context, query string, args ...interface{}) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where(query, args...).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
