// Package auth verifies credentials and creates accounts.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/json-socket-chat/internal/chaterr"
	"github.com/omochice/json-socket-chat/internal/store"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// Config tunes hashing and password policy.
type Config struct {
	BcryptCost        int `mapstructure:"bcrypt_cost"`
	MinPasswordLength int `mapstructure:"min_password_length"`
}

// Service is the identity collaborator used by the login and register
// handlers.
type Service struct {
	users  store.Users
	cfg    Config
	logger *slog.Logger
}

func New(users store.Users, cfg Config, logger *slog.Logger) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{users: users, cfg: cfg, logger: logger}
}

// VerifyCredentials returns the user when password matches. Unknown users
// and wrong passwords yield the same error.
func (s *Service) VerifyCredentials(ctx context.Context, username, password string) (*store.User, error) {
	if username == "" || password == "" {
		return nil, chaterr.InvalidArg("username and password are required")
	}

	u, err := s.users.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, chaterr.Persistence("failed to load user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.logger.DebugContext(ctx, "password mismatch", "user", username)
		return nil, chaterr.ErrInvalidCredentials
	}
	return u, nil
}

// Account holds the fields of a registration request.
type Account struct {
	Username    string
	Password    string
	Email       string
	Phone       string
	DisplayName string
}

// CreateAccount validates acct, hashes the password and stores the user.
func (s *Service) CreateAccount(ctx context.Context, acct Account) (*store.User, error) {
	if err := s.validate(&acct); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(acct.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, chaterr.Internal("failed to hash password", err)
	}

	u := &store.User{
		Username:     acct.Username,
		PasswordHash: string(hash),
		DisplayName:  acct.DisplayName,
		Status:       store.StatusOffline,
	}
	if acct.Email != "" {
		u.Email = &acct.Email
	}
	if acct.Phone != "" {
		u.Phone = &acct.Phone
	}

	err = s.users.CreateUser(ctx, u)
	if errors.Is(err, store.ErrConflict) {
		if _, lookupErr := s.users.UserByUsername(ctx, acct.Username); lookupErr == nil {
			return nil, chaterr.ErrUsernameTaken
		}
		return nil, chaterr.AlreadyExists("email or phone already registered")
	}
	if err != nil {
		return nil, chaterr.Persistence("failed to create user", err)
	}

	s.logger.InfoContext(ctx, "account created", "user", u.Username)
	return u, nil
}

func (s *Service) validate(acct *Account) error {
	acct.Username = strings.TrimSpace(acct.Username)
	acct.Email = strings.TrimSpace(acct.Email)
	acct.Phone = strings.TrimSpace(acct.Phone)
	acct.DisplayName = strings.TrimSpace(acct.DisplayName)

	if acct.Username == "" || acct.Password == "" {
		return chaterr.InvalidArg("username and password are required")
	}
	if !usernamePattern.MatchString(acct.Username) {
		return chaterr.InvalidArg("username must be 3-32 letters, digits or underscores")
	}
	if len(acct.Password) < s.cfg.MinPasswordLength {
		return chaterr.InvalidArg("password is too short")
	}
	// bcrypt rejects longer inputs.
	if len(acct.Password) > 72 {
		return chaterr.InvalidArg("password is too long")
	}
	if acct.Email != "" {
		addr, err := mail.ParseAddress(acct.Email)
		if err != nil || addr.Address != acct.Email {
			return chaterr.InvalidArg("invalid email address")
		}
	}
	if acct.DisplayName == "" {
		acct.DisplayName = acct.Username
	}
	return nil
}
