package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/mirror"
	"github.com/forgesync-io/forgesync/internal/source"
	"github.com/forgesync-io/forgesync/internal/store"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type stubConfigs struct {
	mu      sync.Mutex
	stamped map[uuid.UUID][2]time.Time
}

func newStubConfigs() *stubConfigs {
	return &stubConfigs{stamped: make(map[uuid.UUID][2]time.Time)}
}

func (s *stubConfigs) Create(context.Context, *db.Config) error { return nil }
func (s *stubConfigs) GetByID(context.Context, uuid.UUID) (*db.Config, error) {
	return nil, store.ErrNotFound
}

// GetActiveForUser fails on purpose: the launched batch goroutine aborts
// immediately, leaving only the job row the controller created.
func (s *stubConfigs) GetActiveForUser(context.Context, uuid.UUID) (*db.Config, error) {
	return nil, store.ErrNotFound
}
func (s *stubConfigs) Update(context.Context, *db.Config) error { return nil }
func (s *stubConfigs) SetActive(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (s *stubConfigs) ListByUser(context.Context, uuid.UUID) ([]db.Config, error) {
	return nil, nil
}
func (s *stubConfigs) ListActive(context.Context) ([]db.Config, error) { return nil, nil }
func (s *stubConfigs) ListDue(context.Context, time.Time) ([]db.Config, error) { return nil, nil }

func (s *stubConfigs) UpdateSchedule(_ context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamped[id] = [2]time.Time{lastRun, nextRun}
	return nil
}

type stubRepos struct {
	eligible []db.Repository
}

func (s *stubRepos) Upsert(context.Context, *db.Repository) error { return nil }
func (s *stubRepos) GetByID(context.Context, uuid.UUID) (*db.Repository, error) {
	return nil, store.ErrNotFound
}
func (s *stubRepos) GetByFullName(context.Context, uuid.UUID, string) (*db.Repository, error) {
	return nil, store.ErrNotFound
}
func (s *stubRepos) Update(context.Context, *db.Repository) error { return nil }
func (s *stubRepos) ListByUser(context.Context, uuid.UUID, store.ListOptions) ([]db.Repository, int64, error) {
	return nil, 0, nil
}
func (s *stubRepos) ListByIDs(context.Context, uuid.UUID, []uuid.UUID) ([]db.Repository, error) {
	return nil, nil
}
func (s *stubRepos) ListByStatuses(context.Context, uuid.UUID, []db.RepoStatus) ([]db.Repository, error) {
	return s.eligible, nil
}
func (s *stubRepos) UpdateStatus(context.Context, uuid.UUID, db.RepoStatus, string) error {
	return nil
}
func (s *stubRepos) SetMirroredLocation(context.Context, uuid.UUID, string, string, string) error {
	return nil
}
func (s *stubRepos) SetLastMirrored(context.Context, uuid.UUID, time.Time) error { return nil }
func (s *stubRepos) SetMetadataState(context.Context, uuid.UUID, string) error { return nil }
func (s *stubRepos) SetDestinationOrg(context.Context, uuid.UUID, string) error { return nil }
func (s *stubRepos) CountByStatus(context.Context, uuid.UUID) (map[db.RepoStatus]int64, error) {
	return nil, nil
}
func (s *stubRepos) CountAllByStatus(context.Context) (map[db.RepoStatus]int64, error) {
	return nil, nil
}

type stubJobs struct {
	mu      sync.Mutex
	busy    bool
	created []db.MirrorJob
}

func (s *stubJobs) Create(_ context.Context, job *db.MirrorJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = uuid.Must(uuid.NewV7())
	s.created = append(s.created, *job)
	return nil
}

func (s *stubJobs) GetByID(context.Context, uuid.UUID) (*db.MirrorJob, error) {
	return nil, store.ErrNotFound
}
func (s *stubJobs) Update(context.Context, *db.MirrorJob) error { return nil }
func (s *stubJobs) ListByUser(context.Context, uuid.UUID, store.ListOptions) ([]db.MirrorJob, int64, error) {
	return nil, 0, nil
}
func (s *stubJobs) ListInProgress(context.Context) ([]db.MirrorJob, error) { return nil, nil }

func (s *stubJobs) HasInProgress(context.Context, uuid.UUID, db.JobType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy, nil
}

func (s *stubJobs) Checkpoint(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (s *stubJobs) Cancel(context.Context, uuid.UUID) error { return nil }
func (s *stubJobs) Finish(context.Context, uuid.UUID, db.RepoStatus, string) error { return nil }
func (s *stubJobs) PurgeByUser(context.Context, uuid.UUID, string) error { return nil }

type stubEvents struct{}

func (stubEvents) Append(_ context.Context, ev *db.Event) error {
	ev.ID = uuid.Must(uuid.NewV7())
	ev.CreatedAt = time.Now().UTC()
	return nil
}
func (stubEvents) ListSince(context.Context, uuid.UUID, time.Time, int) ([]db.Event, error) {
	return nil, nil
}
func (stubEvents) ListUnread(context.Context, uuid.UUID, int) ([]db.Event, error) {
	return nil, nil
}
func (stubEvents) MarkAllRead(context.Context, uuid.UUID) error { return nil }
func (stubEvents) DeleteOlderThan(context.Context, uuid.UUID, time.Time) (int64, error) {
	return 0, nil
}

type stubFactory struct{}

func (stubFactory) SourceClient(*db.Config) (source.Client, string, error) {
	return nil, "", errkind.New(errkind.ConfigInvalid, "no source client in tests")
}
func (stubFactory) DestClient(*db.Config) (dest.Client, error) {
	return nil, errkind.New(errkind.ConfigInvalid, "no dest client in tests")
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

type fixture struct {
	controller *Controller
	configs    *stubConfigs
	repos      *stubRepos
	jobs       *stubJobs
}

func newFixture(t *testing.T, eligible []db.Repository, busy bool) *fixture {
	t.Helper()
	logger := zap.NewNop()

	configs := newStubConfigs()
	repos := &stubRepos{eligible: eligible}
	jobs := &stubJobs{busy: busy}

	hub := events.NewHub()
	bus := events.NewBus(stubEvents{}, hub, logger)
	engine := mirror.NewEngine(repos, bus, logger)

	runner := batch.NewRunner(jobs, repos, configs, engine, stubFactory{}, bus, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	runner.Start(ctx)

	c, err := New(configs, repos, jobs, runner, bus, logger, 0)
	require.NoError(t, err)
	return &fixture{controller: c, configs: configs, repos: repos, jobs: jobs}
}

func eligibleRepo(userID uuid.UUID, status db.RepoStatus) db.Repository {
	r := db.Repository{UserID: userID, Status: status}
	r.ID = uuid.Must(uuid.NewV7())
	return r
}

func TestTriggerUserCreatesSyncBatch(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	eligible := []db.Repository{
		eligibleRepo(userID, db.StatusMirrored),
		eligibleRepo(userID, db.StatusFailed),
	}
	f := newFixture(t, eligible, false)

	cfg := &db.Config{UserID: userID, IntervalSeconds: 7200}
	cfg.ID = uuid.Must(uuid.NewV7())

	before := time.Now().UTC()
	require.NoError(t, f.controller.TriggerUser(context.Background(), cfg))

	f.jobs.mu.Lock()
	require.Len(t, f.jobs.created, 1)
	job := f.jobs.created[0]
	f.jobs.mu.Unlock()
	assert.Equal(t, db.JobTypeSync, job.JobType)
	assert.Equal(t, userID, job.UserID)
	assert.Equal(t, 2, job.TotalItems)

	f.configs.mu.Lock()
	stamp, ok := f.configs.stamped[cfg.ID]
	f.configs.mu.Unlock()
	require.True(t, ok, "schedule stamps must advance after the batch exists")
	assert.False(t, stamp[0].Before(before))
	assert.Equal(t, stamp[0].Add(2*time.Hour), stamp[1])
}

func TestTriggerUserSkipsBusyUser(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	f := newFixture(t, []db.Repository{eligibleRepo(userID, db.StatusMirrored)}, true)

	cfg := &db.Config{UserID: userID, IntervalSeconds: 3600}
	cfg.ID = uuid.Must(uuid.NewV7())

	require.NoError(t, f.controller.TriggerUser(context.Background(), cfg))

	f.jobs.mu.Lock()
	assert.Empty(t, f.jobs.created)
	f.jobs.mu.Unlock()

	// No stamps either: the user gets retried on the next tick.
	f.configs.mu.Lock()
	assert.Empty(t, f.configs.stamped)
	f.configs.mu.Unlock()
}

func TestTriggerUserWithNothingEligibleStampsOnly(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	f := newFixture(t, nil, false)

	cfg := &db.Config{UserID: userID, IntervalSeconds: 0}
	cfg.ID = uuid.Must(uuid.NewV7())

	require.NoError(t, f.controller.TriggerUser(context.Background(), cfg))

	f.jobs.mu.Lock()
	assert.Empty(t, f.jobs.created)
	f.jobs.mu.Unlock()

	// A missing interval falls back to one hour.
	f.configs.mu.Lock()
	stamp, ok := f.configs.stamped[cfg.ID]
	f.configs.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, stamp[0].Add(time.Hour), stamp[1])
}

func TestNewClampsCadence(t *testing.T) {
	f := newFixture(t, nil, false)
	assert.Equal(t, defaultCadence, f.controller.cadence)

	c, err := New(f.configs, f.repos, f.jobs, nil, nil, zap.NewNop(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, defaultCadence, c.cadence)

	c, err = New(f.configs, f.repos, f.jobs, nil, nil, zap.NewNop(), 45*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, c.cadence)
}
