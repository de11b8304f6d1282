package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

// Declarative is the optional startup configuration block. Each entry
// pins one user's replication setup; the loader reconciles it against the
// database so a restart with an unchanged block is a no-op.
type Declarative struct {
	Users []DeclaredUser `json:"users"`
}

// DeclaredUser describes one user and their active configuration.
type DeclaredUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`

	// Password seeds a local login on first creation only; existing users
	// keep their credentials.
	Password string `json:"password,omitempty"`

	SourceUsername string `json:"sourceUsername"`
	SourceToken    string `json:"sourceToken,omitempty"`

	DestURL   string `json:"destUrl"`
	DestUser  string `json:"destUser"`
	DestToken string `json:"destToken,omitempty"`

	MirrorOptions *db.MirrorOptions `json:"mirrorOptions,omitempty"`
	CleanupConfig *db.CleanupConfig `json:"cleanupConfig,omitempty"`

	Schedule struct {
		Enabled         bool `json:"enabled"`
		IntervalSeconds int  `json:"intervalSeconds"`
	} `json:"schedule"`
}

// Loader reconciles the declarative block into the database.
type Loader struct {
	users   store.UserStore
	configs store.ConfigStore
	logger  *zap.Logger
}

// NewLoader builds a Loader.
func NewLoader(users store.UserStore, configs store.ConfigStore, logger *zap.Logger) *Loader {
	return &Loader{users: users, configs: configs, logger: logger.Named("config")}
}

// Apply parses raw and upserts exactly one active configuration per
// declared user. Empty token fields leave any stored credential untouched;
// an unchanged declaration produces zero writes.
func (l *Loader) Apply(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	var decl Declarative
	if err := json.Unmarshal([]byte(raw), &decl); err != nil {
		return fmt.Errorf("config: parse declarative block: %w", err)
	}

	for i := range decl.Users {
		if err := l.applyUser(ctx, &decl.Users[i]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) applyUser(ctx context.Context, decl *DeclaredUser) error {
	if decl.Username == "" {
		return fmt.Errorf("config: declared user without username")
	}

	user, err := l.users.GetByUsername(ctx, decl.Username)
	if errors.Is(err, store.ErrNotFound) {
		user, err = l.createUser(ctx, decl)
	}
	if err != nil {
		return err
	}

	existing, err := l.configs.GetActiveForUser(ctx, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	desired, err := l.desiredConfig(user, decl, existing)
	if err != nil {
		return err
	}

	if existing == nil {
		desired.IsActive = true
		if err := l.configs.Create(ctx, desired); err != nil {
			return err
		}
		l.logger.Info("declarative config created",
			zap.String("username", decl.Username))
		return nil
	}

	if configsEqual(existing, desired) {
		l.logger.Debug("declarative config unchanged",
			zap.String("username", decl.Username))
		return nil
	}

	applyDesired(existing, desired)
	if err := l.configs.Update(ctx, existing); err != nil {
		return err
	}
	l.logger.Info("declarative config updated",
		zap.String("username", decl.Username))
	return nil
}

func (l *Loader) createUser(ctx context.Context, decl *DeclaredUser) (*db.User, error) {
	if decl.Email == "" {
		return nil, fmt.Errorf("config: declared user %q needs an email", decl.Username)
	}
	user := &db.User{
		Username: decl.Username,
		Email:    decl.Email,
		Role:     "user",
		IsActive: true,
	}
	if decl.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(decl.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("config: hash seeded password: %w", err)
		}
		user.Password = db.EncryptedString(hash)
	}
	if err := l.users.Create(ctx, user); err != nil {
		return nil, err
	}
	l.logger.Info("declarative user created", zap.String("username", decl.Username))
	return user, nil
}

// desiredConfig builds the target config. Empty declared tokens inherit
// the stored credential so a block without secrets stays functional.
func (l *Loader) desiredConfig(user *db.User, decl *DeclaredUser, existing *db.Config) (*db.Config, error) {
	cfg := &db.Config{
		UserID:         user.ID,
		Name:           "default",
		SourceUsername: decl.SourceUsername,
		SourceToken:    db.EncryptedString(decl.SourceToken),
		DestURL:        decl.DestURL,
		DestUser:       decl.DestUser,
		DestToken:      db.EncryptedString(decl.DestToken),
	}

	if existing != nil {
		if decl.SourceToken == "" {
			cfg.SourceToken = existing.SourceToken
		}
		if decl.DestToken == "" {
			cfg.DestToken = existing.DestToken
		}
	}

	opts := db.MirrorOptions{}
	if decl.MirrorOptions != nil {
		opts = *decl.MirrorOptions
	}
	if err := cfg.SetOptions(opts); err != nil {
		return nil, fmt.Errorf("config: user %q: %w", decl.Username, err)
	}

	cc := db.CleanupConfig{}
	if decl.CleanupConfig != nil {
		cc = *decl.CleanupConfig
	}
	if err := cfg.SetCleanup(cc); err != nil {
		return nil, fmt.Errorf("config: user %q: %w", decl.Username, err)
	}

	cfg.ScheduleEnabled = decl.Schedule.Enabled
	cfg.IntervalSeconds = decl.Schedule.IntervalSeconds
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 3600
	}
	cfg.CronExpr = CronFromInterval(cfg.IntervalSeconds)
	return cfg, nil
}

// configsEqual compares the declarative surface of two configs, ignoring
// identity and timestamp fields.
func configsEqual(a, b *db.Config) bool {
	return a.SourceUsername == b.SourceUsername &&
		a.SourceToken == b.SourceToken &&
		a.DestURL == b.DestURL &&
		a.DestUser == b.DestUser &&
		a.DestToken == b.DestToken &&
		a.MirrorOptionsJSON == b.MirrorOptionsJSON &&
		a.CleanupConfigJSON == b.CleanupConfigJSON &&
		a.ScheduleEnabled == b.ScheduleEnabled &&
		a.IntervalSeconds == b.IntervalSeconds
}

// applyDesired copies the declarative surface onto the stored row.
func applyDesired(dst, desired *db.Config) {
	dst.SourceUsername = desired.SourceUsername
	dst.SourceToken = desired.SourceToken
	dst.DestURL = desired.DestURL
	dst.DestUser = desired.DestUser
	dst.DestToken = desired.DestToken
	dst.MirrorOptionsJSON = desired.MirrorOptionsJSON
	dst.CleanupConfigJSON = desired.CleanupConfigJSON
	dst.ScheduleEnabled = desired.ScheduleEnabled
	dst.IntervalSeconds = desired.IntervalSeconds
	dst.CronExpr = desired.CronExpr
}
