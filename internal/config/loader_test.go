package config

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/store"
)

type fakeUserStore struct {
	users   map[string]*db.User
	creates int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*db.User)}
}

func (f *fakeUserStore) Create(_ context.Context, u *db.User) error {
	u.ID = uuid.Must(uuid.NewV7())
	f.users[u.Username] = u
	f.creates++
	return nil
}

func (f *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*db.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*db.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) GetByUsername(_ context.Context, username string) (*db.User, error) {
	if u, ok := f.users[username]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) Update(_ context.Context, u *db.User) error {
	f.users[u.Username] = u
	return nil
}

func (f *fakeUserStore) List(_ context.Context, _ store.ListOptions) ([]db.User, int64, error) {
	out := make([]db.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, int64(len(out)), nil
}

type fakeConfigStore struct {
	configs map[uuid.UUID]*db.Config
	creates int
	updates int
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{configs: make(map[uuid.UUID]*db.Config)}
}

func (f *fakeConfigStore) Create(_ context.Context, cfg *db.Config) error {
	cfg.ID = uuid.Must(uuid.NewV7())
	clone := *cfg
	f.configs[cfg.ID] = &clone
	f.creates++
	return nil
}

func (f *fakeConfigStore) GetByID(_ context.Context, id uuid.UUID) (*db.Config, error) {
	if cfg, ok := f.configs[id]; ok {
		clone := *cfg
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeConfigStore) GetActiveForUser(_ context.Context, userID uuid.UUID) (*db.Config, error) {
	for _, cfg := range f.configs {
		if cfg.UserID == userID && cfg.IsActive {
			clone := *cfg
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeConfigStore) Update(_ context.Context, cfg *db.Config) error {
	clone := *cfg
	f.configs[cfg.ID] = &clone
	f.updates++
	return nil
}

func (f *fakeConfigStore) SetActive(_ context.Context, userID, configID uuid.UUID) error {
	for _, cfg := range f.configs {
		if cfg.UserID == userID {
			cfg.IsActive = cfg.ID == configID
		}
	}
	return nil
}

func (f *fakeConfigStore) ListByUser(_ context.Context, userID uuid.UUID) ([]db.Config, error) {
	var out []db.Config
	for _, cfg := range f.configs {
		if cfg.UserID == userID {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (f *fakeConfigStore) ListActive(_ context.Context) ([]db.Config, error) {
	var out []db.Config
	for _, cfg := range f.configs {
		if cfg.IsActive {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (f *fakeConfigStore) ListDue(_ context.Context, now time.Time) ([]db.Config, error) {
	var out []db.Config
	for _, cfg := range f.configs {
		if cfg.IsActive && cfg.ScheduleEnabled && (cfg.NextRun == nil || !cfg.NextRun.After(now)) {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (f *fakeConfigStore) UpdateSchedule(_ context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	if cfg, ok := f.configs[id]; ok {
		cfg.LastRun = &lastRun
		cfg.NextRun = &nextRun
	}
	return nil
}

const declarativeBlock = `{
  "users": [{
    "username": "alice",
    "email": "alice@example.com",
    "password": "hunter2",
    "sourceUsername": "alice",
    "sourceToken": "ghp_token",
    "destUrl": "https://gitea.example.com",
    "destUser": "alice",
    "destToken": "gitea_token",
    "schedule": {"enabled": true, "intervalSeconds": 7200}
  }]
}`

func TestLoaderApplyCreatesUserAndConfig(t *testing.T) {
	users := newFakeUserStore()
	configs := newFakeConfigStore()
	loader := NewLoader(users, configs, zap.NewNop())

	require.NoError(t, loader.Apply(context.Background(), declarativeBlock))

	user, err := users.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEmpty(t, user.Password) // bcrypt hash, not the literal password
	assert.NotEqual(t, db.EncryptedString("hunter2"), user.Password)

	cfg, err := configs.GetActiveForUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, cfg.IsActive)
	assert.Equal(t, "alice", cfg.SourceUsername)
	assert.Equal(t, db.EncryptedString("ghp_token"), cfg.SourceToken)
	assert.Equal(t, "https://gitea.example.com", cfg.DestURL)
	assert.True(t, cfg.ScheduleEnabled)
	assert.Equal(t, 7200, cfg.IntervalSeconds)
	assert.Equal(t, CronFromInterval(7200), cfg.CronExpr)
}

func TestLoaderApplyIdempotent(t *testing.T) {
	users := newFakeUserStore()
	configs := newFakeConfigStore()
	loader := NewLoader(users, configs, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, loader.Apply(ctx, declarativeBlock))
	require.NoError(t, loader.Apply(ctx, declarativeBlock))
	require.NoError(t, loader.Apply(ctx, declarativeBlock))

	assert.Equal(t, 1, users.creates)
	assert.Equal(t, 1, configs.creates)
	assert.Equal(t, 0, configs.updates)
}

func TestLoaderApplyUpdatesChangedConfig(t *testing.T) {
	users := newFakeUserStore()
	configs := newFakeConfigStore()
	loader := NewLoader(users, configs, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, loader.Apply(ctx, declarativeBlock))

	changed := `{
	  "users": [{
	    "username": "alice",
	    "sourceUsername": "alice",
	    "destUrl": "https://gitea2.example.com",
	    "destUser": "alice",
	    "schedule": {"enabled": true, "intervalSeconds": 7200}
	  }]
	}`
	require.NoError(t, loader.Apply(ctx, changed))

	assert.Equal(t, 1, configs.creates)
	assert.Equal(t, 1, configs.updates)

	user, err := users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	cfg, err := configs.GetActiveForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://gitea2.example.com", cfg.DestURL)

	// Empty declared tokens keep the stored credentials.
	assert.Equal(t, db.EncryptedString("ghp_token"), cfg.SourceToken)
	assert.Equal(t, db.EncryptedString("gitea_token"), cfg.DestToken)
}

func TestLoaderApplyEmptyBlock(t *testing.T) {
	loader := NewLoader(newFakeUserStore(), newFakeConfigStore(), zap.NewNop())
	require.NoError(t, loader.Apply(context.Background(), ""))
}

func TestLoaderApplyRejectsBadInput(t *testing.T) {
	loader := NewLoader(newFakeUserStore(), newFakeConfigStore(), zap.NewNop())
	ctx := context.Background()

	assert.Error(t, loader.Apply(ctx, "{not json"))
	assert.Error(t, loader.Apply(ctx, `{"users":[{"email":"x@y.z"}]}`))
	// A new user needs an email.
	assert.Error(t, loader.Apply(ctx, `{"users":[{"username":"bob"}]}`))
}

func TestLoaderApplyDefaultsInterval(t *testing.T) {
	users := newFakeUserStore()
	configs := newFakeConfigStore()
	loader := NewLoader(users, configs, zap.NewNop())
	ctx := context.Background()

	block := `{"users":[{"username":"bob","email":"bob@example.com","sourceUsername":"bob","destUrl":"https://g.example.com","destUser":"bob"}]}`
	require.NoError(t, loader.Apply(ctx, block))

	user, err := users.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	cfg, err := configs.GetActiveForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.IntervalSeconds)
	assert.False(t, cfg.ScheduleEnabled)
}
