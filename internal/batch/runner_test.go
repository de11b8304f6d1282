package batch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/mirror"
	"github.com/forgesync-io/forgesync/internal/source"
	"github.com/forgesync-io/forgesync/internal/store"
)

// ----------------------------------------------------------------------------
// In-memory stores
// ----------------------------------------------------------------------------

type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.MirrorJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[uuid.UUID]*db.MirrorJob)} }

func (m *memJobs) Create(_ context.Context, job *db.MirrorJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = uuid.Must(uuid.NewV7())
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

func (m *memJobs) GetByID(_ context.Context, id uuid.UUID) (*db.MirrorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (m *memJobs) Update(_ context.Context, job *db.MirrorJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

func (m *memJobs) ListByUser(_ context.Context, userID uuid.UUID, _ store.ListOptions) ([]db.MirrorJob, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.MirrorJob
	for _, job := range m.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memJobs) ListInProgress(_ context.Context) ([]db.MirrorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.MirrorJob
	for _, job := range m.jobs {
		if job.InProgress {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memJobs) HasInProgress(_ context.Context, userID uuid.UUID, jobType db.JobType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.UserID == userID && job.JobType == jobType && job.InProgress {
			return true, nil
		}
	}
	return false, nil
}

func (m *memJobs) Checkpoint(_ context.Context, jobID, itemID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	ids, err := store.DecodeItemIDs(job.CompletedItemIDs)
	if err != nil {
		return err
	}
	ids = append(ids, itemID)
	job.CompletedItemIDs = store.EncodeItemIDs(ids)
	job.CompletedItems = len(ids)
	now := time.Now().UTC()
	job.LastCheckpoint = &now
	return nil
}

func (m *memJobs) Cancel(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.InProgress = false
	}
	return nil
}

func (m *memJobs) Finish(_ context.Context, jobID uuid.UUID, status db.RepoStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.Message = message
	job.InProgress = false
	job.CompletedAt = &now
	return nil
}

func (m *memJobs) PurgeByUser(_ context.Context, userID uuid.UUID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if job.UserID == userID {
			delete(m.jobs, id)
		}
	}
	return nil
}

type memRepos struct {
	mu    sync.Mutex
	repos map[uuid.UUID]*db.Repository
}

func newMemRepos() *memRepos { return &memRepos{repos: make(map[uuid.UUID]*db.Repository)} }

func (m *memRepos) add(repo *db.Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo.ID == (uuid.UUID{}) {
		repo.ID = uuid.Must(uuid.NewV7())
	}
	clone := *repo
	m.repos[repo.ID] = &clone
}

func (m *memRepos) Upsert(_ context.Context, repo *db.Repository) error {
	m.add(repo)
	return nil
}

func (m *memRepos) GetByID(_ context.Context, id uuid.UUID) (*db.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *repo
	return &clone, nil
}

func (m *memRepos) GetByFullName(_ context.Context, userID uuid.UUID, normalized string) (*db.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, repo := range m.repos {
		if repo.UserID == userID && repo.NormalizedFullName == normalized {
			clone := *repo
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRepos) Update(_ context.Context, repo *db.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *repo
	m.repos[repo.ID] = &clone
	return nil
}

func (m *memRepos) ListByUser(_ context.Context, userID uuid.UUID, _ store.ListOptions) ([]db.Repository, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Repository
	for _, repo := range m.repos {
		if repo.UserID == userID {
			out = append(out, *repo)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memRepos) ListByIDs(_ context.Context, userID uuid.UUID, ids []uuid.UUID) ([]db.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Repository
	for _, id := range ids {
		if repo, ok := m.repos[id]; ok && repo.UserID == userID {
			out = append(out, *repo)
		}
	}
	return out, nil
}

func (m *memRepos) ListByStatuses(_ context.Context, userID uuid.UUID, statuses []db.RepoStatus) ([]db.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match := make(map[db.RepoStatus]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}
	var out []db.Repository
	for _, repo := range m.repos {
		if repo.UserID == userID && match[repo.Status] {
			out = append(out, *repo)
		}
	}
	return out, nil
}

func (m *memRepos) UpdateStatus(_ context.Context, id uuid.UUID, status db.RepoStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return store.ErrNotFound
	}
	repo.Status = status
	repo.ErrorMessage = errMsg
	return nil
}

func (m *memRepos) SetMirroredLocation(_ context.Context, id uuid.UUID, owner, name, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return store.ErrNotFound
	}
	repo.DestinationOwner = owner
	repo.DestinationName = name
	repo.MirroredLocation = location
	return nil
}

func (m *memRepos) SetLastMirrored(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo, ok := m.repos[id]; ok {
		repo.LastMirrored = &at
	}
	return nil
}

func (m *memRepos) SetMetadataState(_ context.Context, id uuid.UUID, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo, ok := m.repos[id]; ok {
		repo.MetadataState = blob
	}
	return nil
}

func (m *memRepos) SetDestinationOrg(_ context.Context, id uuid.UUID, org string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo, ok := m.repos[id]; ok {
		repo.DestinationOrg = org
	}
	return nil
}

func (m *memRepos) CountByStatus(_ context.Context, userID uuid.UUID) (map[db.RepoStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[db.RepoStatus]int64)
	for _, repo := range m.repos {
		if repo.UserID == userID {
			out[repo.Status]++
		}
	}
	return out, nil
}

func (m *memRepos) CountAllByStatus(context.Context) (map[db.RepoStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[db.RepoStatus]int64)
	for _, repo := range m.repos {
		out[repo.Status]++
	}
	return out, nil
}

type memConfigs struct {
	cfg *db.Config
}

func (m *memConfigs) Create(_ context.Context, cfg *db.Config) error { m.cfg = cfg; return nil }
func (m *memConfigs) GetByID(_ context.Context, _ uuid.UUID) (*db.Config, error) {
	return m.cfg, nil
}
func (m *memConfigs) GetActiveForUser(_ context.Context, userID uuid.UUID) (*db.Config, error) {
	if m.cfg == nil || m.cfg.UserID != userID {
		return nil, store.ErrNotFound
	}
	clone := *m.cfg
	return &clone, nil
}
func (m *memConfigs) Update(_ context.Context, cfg *db.Config) error { m.cfg = cfg; return nil }
func (m *memConfigs) SetActive(_ context.Context, _, _ uuid.UUID) error {
	return nil
}
func (m *memConfigs) ListByUser(_ context.Context, _ uuid.UUID) ([]db.Config, error) {
	if m.cfg == nil {
		return nil, nil
	}
	return []db.Config{*m.cfg}, nil
}
func (m *memConfigs) ListActive(_ context.Context) ([]db.Config, error) {
	if m.cfg == nil {
		return nil, nil
	}
	return []db.Config{*m.cfg}, nil
}
func (m *memConfigs) ListDue(_ context.Context, _ time.Time) ([]db.Config, error) {
	return nil, nil
}
func (m *memConfigs) UpdateSchedule(_ context.Context, _ uuid.UUID, _, _ time.Time) error {
	return nil
}

type memEvents struct {
	mu   sync.Mutex
	rows []db.Event
}

func (m *memEvents) Append(_ context.Context, ev *db.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = uuid.Must(uuid.NewV7())
	ev.CreatedAt = time.Now()
	m.rows = append(m.rows, *ev)
	return nil
}

func (m *memEvents) ListSince(_ context.Context, _ uuid.UUID, _ time.Time, _ int) ([]db.Event, error) {
	return nil, nil
}
func (m *memEvents) ListUnread(_ context.Context, _ uuid.UUID, _ int) ([]db.Event, error) {
	return nil, nil
}
func (m *memEvents) MarkAllRead(_ context.Context, _ uuid.UUID) error { return nil }
func (m *memEvents) DeleteOlderThan(_ context.Context, _ uuid.UUID, _ time.Time) (int64, error) {
	return 0, nil
}

// ----------------------------------------------------------------------------
// Fake forge clients
// ----------------------------------------------------------------------------

type fakeSource struct{}

func (fakeSource) AuthenticatedUser(context.Context) (*source.User, error) {
	return &source.User{Login: "alice"}, nil
}
func (fakeSource) ListUserRepos(context.Context, source.RepoFilter) ([]source.Repo, error) {
	return nil, nil
}
func (fakeSource) ListStarredRepos(context.Context) ([]source.Repo, error) { return nil, nil }
func (fakeSource) ListOrgs(context.Context) ([]source.Org, error)          { return nil, nil }
func (fakeSource) ListOrgRepos(context.Context, string) ([]source.Repo, error) {
	return nil, nil
}
func (fakeSource) GetRepo(context.Context, string, string) (*source.Repo, error) {
	return nil, errkind.New(errkind.NotFound, "no such repository")
}
func (fakeSource) ListIssues(context.Context, string, string) ([]source.Issue, error) {
	return nil, nil
}
func (fakeSource) ListIssueComments(context.Context, string, string, int) ([]source.Comment, error) {
	return nil, nil
}
func (fakeSource) ListPullRequests(context.Context, string, string) ([]source.PullRequest, error) {
	return nil, nil
}
func (fakeSource) ListLabels(context.Context, string, string) ([]source.Label, error) {
	return nil, nil
}
func (fakeSource) ListMilestones(context.Context, string, string) ([]source.Milestone, error) {
	return nil, nil
}
func (fakeSource) ListReleases(context.Context, string, string) ([]source.Release, error) {
	return nil, nil
}
func (fakeSource) HasWiki(context.Context, string, string) (bool, error) { return false, nil }

// fakeDest counts mirror creations and can fail selected repositories.
type fakeDest struct {
	mu      sync.Mutex
	created []string

	// failNames maps destination repo names to the error CreatePullMirror
	// returns for them.
	failNames map[string]error

	// gate, when set, blocks CreatePullMirror until closed.
	gate chan struct{}
}

func (f *fakeDest) AuthenticatedUser(context.Context) (*dest.User, error) {
	return &dest.User{ID: 1, Login: "gitea-alice"}, nil
}

func (f *fakeDest) EnsureOwner(_ context.Context, owner string) (string, bool, error) {
	return owner, false, nil
}

func (f *fakeDest) RepoExists(_ context.Context, owner, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.created {
		if c == owner+"/"+name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDest) ListOwnerRepos(context.Context, string) ([]dest.RepoRef, error) {
	return nil, nil
}

func (f *fakeDest) CreatePullMirror(ctx context.Context, p dest.MirrorParams) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, "create mirror", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failNames[p.Name]; ok {
		return err
	}
	f.created = append(f.created, p.Owner+"/"+p.Name)
	return nil
}

func (f *fakeDest) TriggerSync(context.Context, string, string) error { return nil }
func (f *fakeDest) ArchiveRepo(context.Context, string, string) error { return nil }
func (f *fakeDest) DeleteRepo(context.Context, string, string) error  { return nil }

func (f *fakeDest) CloneURL(owner, name string) string {
	return "https://gitea.example.com/" + owner + "/" + name + ".git"
}

func (f *fakeDest) ListIssues(context.Context, string, string) ([]dest.ExistingIssue, error) {
	return nil, nil
}
func (f *fakeDest) CreateIssue(context.Context, string, string, dest.IssueParams) (int64, error) {
	return 1, nil
}
func (f *fakeDest) CreateComment(context.Context, string, string, int64, string) error {
	return nil
}
func (f *fakeDest) ListLabels(context.Context, string, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (f *fakeDest) EnsureLabel(context.Context, string, string, dest.LabelParams) (int64, error) {
	return 1, nil
}
func (f *fakeDest) ListMilestones(context.Context, string, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (f *fakeDest) EnsureMilestone(context.Context, string, string, dest.MilestoneParams) (int64, error) {
	return 1, nil
}
func (f *fakeDest) ListReleaseTags(context.Context, string, string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (f *fakeDest) CreateRelease(context.Context, string, string, dest.ReleaseParams) error {
	return nil
}

type fakeFactory struct {
	src source.Client
	dst dest.Client
}

func (f *fakeFactory) SourceClient(*db.Config) (source.Client, string, error) {
	return f.src, "token", nil
}
func (f *fakeFactory) DestClient(*db.Config) (dest.Client, error) { return f.dst, nil }

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type harness struct {
	runner  *Runner
	jobs    *memJobs
	repos   *memRepos
	configs *memConfigs
	dst     *fakeDest
	userID  uuid.UUID
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	userID := uuid.Must(uuid.NewV7())
	cfg := &db.Config{
		UserID:         userID,
		IsActive:       true,
		SourceUsername: "alice",
		DestURL:        "https://gitea.example.com",
		DestUser:       "gitea-alice",
	}
	cfg.ID = uuid.Must(uuid.NewV7())
	require.NoError(t, cfg.SetOptions(db.MirrorOptions{}))
	require.NoError(t, cfg.SetCleanup(db.CleanupConfig{}))

	jobs := newMemJobs()
	repos := newMemRepos()
	configs := &memConfigs{cfg: cfg}
	dst := &fakeDest{}

	hub := events.NewHub()
	go hub.Run(ctx)
	bus := events.NewBus(&memEvents{}, hub, zap.NewNop())

	engine := mirror.NewEngine(repos, bus, zap.NewNop())
	factory := &fakeFactory{src: fakeSource{}, dst: dst}

	runner := NewRunner(jobs, repos, configs, engine, factory, bus, zap.NewNop())
	runner.Start(ctx)

	return &harness{
		runner:  runner,
		jobs:    jobs,
		repos:   repos,
		configs: configs,
		dst:     dst,
		userID:  userID,
		cancel:  cancel,
	}
}

func (h *harness) addRepo(t *testing.T, owner, name string, status db.RepoStatus) *db.Repository {
	t.Helper()
	repo := &db.Repository{
		UserID:             h.userID,
		ConfigID:           h.configs.cfg.ID,
		Owner:              owner,
		Name:               name,
		FullName:           owner + "/" + name,
		NormalizedFullName: owner + "/" + name,
		CloneURL:           "https://github.com/" + owner + "/" + name + ".git",
		Status:             status,
	}
	h.repos.add(repo)
	return repo
}

func (h *harness) waitDone(t *testing.T, jobID uuid.UUID) *db.MirrorJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		job, err := h.jobs.GetByID(context.Background(), jobID)
		require.NoError(t, err)
		if !job.InProgress {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never finished", jobID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestStartBatchEmptySucceeds(t *testing.T) {
	h := newHarness(t)

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID: h.userID,
		Type:   db.JobTypeMirror,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, job.TotalItems)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusMirrored, done.Status)
	assert.Empty(t, done.Message)
	assert.Equal(t, 0, done.CompletedItems)
}

func TestStartBatchMirrorsAllItems(t *testing.T) {
	h := newHarness(t)

	a := h.addRepo(t, "alice", "tools", db.StatusImported)
	b := h.addRepo(t, "acme", "api", db.StatusImported)

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID:  h.userID,
		Type:    db.JobTypeMirror,
		RepoIDs: []uuid.UUID{a.ID, b.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, job.TotalItems)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusMirrored, done.Status)
	assert.Equal(t, 2, done.CompletedItems)
	assert.NotNil(t, done.CompletedAt)

	completed, err := store.DecodeItemIDs(done.CompletedItemIDs)
	require.NoError(t, err)
	assert.Len(t, completed, done.CompletedItems)
	assert.LessOrEqual(t, done.CompletedItems, done.TotalItems)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		repo, err := h.repos.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, db.StatusMirrored, repo.Status)
		assert.NotEmpty(t, repo.MirroredLocation)
		assert.NotNil(t, repo.LastMirrored)
	}
}

func TestStartBatchItemFailureDoesNotStopBatch(t *testing.T) {
	h := newHarness(t)
	h.dst.failNames = map[string]error{
		"api": errkind.New(errkind.Transient, "migration failed upstream"),
	}

	good := h.addRepo(t, "alice", "tools", db.StatusImported)
	bad := h.addRepo(t, "acme", "api", db.StatusImported)

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID:  h.userID,
		Type:    db.JobTypeMirror,
		RepoIDs: []uuid.UUID{good.ID, bad.ID},
	})
	require.NoError(t, err)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusMirrored, done.Status)
	assert.Equal(t, "1 of 2 items failed", done.Message)
	assert.Equal(t, 2, done.CompletedItems) // failed items still checkpoint

	repo, err := h.repos.GetByID(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, repo.Status)
	assert.Equal(t, "migration failed upstream", repo.ErrorMessage)

	repo, err = h.repos.GetByID(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusMirrored, repo.Status)
}

func TestStartBatchAuthFailureAbortsBatch(t *testing.T) {
	h := newHarness(t)
	h.dst.failNames = map[string]error{
		"tools": errkind.New(errkind.DestinationAuthInvalid, "destination rejected the token"),
	}

	a := h.addRepo(t, "alice", "tools", db.StatusImported)

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID:  h.userID,
		Type:    db.JobTypeMirror,
		RepoIDs: []uuid.UUID{a.ID},
	})
	require.NoError(t, err)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusFailed, done.Status)
	assert.Equal(t, "destination rejected the token", done.Message)
	assert.Equal(t, 0, done.CompletedItems)
}

func TestStartBatchSync(t *testing.T) {
	h := newHarness(t)

	repo := h.addRepo(t, "alice", "tools", db.StatusMirrored)
	repo.DestinationOwner = "alice"
	repo.DestinationName = "tools"
	h.repos.add(repo)
	h.dst.created = []string{"alice/tools"}

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID:  h.userID,
		Type:    db.JobTypeSync,
		RepoIDs: []uuid.UUID{repo.ID},
	})
	require.NoError(t, err)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusSynced, done.Status)

	got, err := h.repos.GetByID(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSynced, got.Status)
}

func TestCancelStopsFeedingItems(t *testing.T) {
	h := newHarness(t)
	h.dst.gate = make(chan struct{})

	var ids []uuid.UUID
	for _, name := range []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"} {
		ids = append(ids, h.addRepo(t, "alice", name, db.StatusImported).ID)
	}

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID:  h.userID,
		Type:    db.JobTypeMirror,
		RepoIDs: ids,
	})
	require.NoError(t, err)

	require.NoError(t, h.runner.Cancel(context.Background(), job.ID))
	close(h.dst.gate)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusFailed, done.Status)
	assert.Equal(t, "cancelled", done.Message)
	assert.LessOrEqual(t, done.CompletedItems, done.TotalItems)
}

func TestRecoverMarksStaleJobInterrupted(t *testing.T) {
	h := newHarness(t)

	old := time.Now().Add(-2 * time.Hour)
	job := &db.MirrorJob{
		UserID:     h.userID,
		BatchID:    uuid.Must(uuid.NewV7()),
		JobType:    db.JobTypeMirror,
		Status:     db.StatusMirroring,
		TotalItems: 1,
		ItemIDs:    store.EncodeItemIDs([]uuid.UUID{uuid.Must(uuid.NewV7())}),
		InProgress: true,
		StartedAt:  &old,
		Timestamp:  old,
	}
	require.NoError(t, h.jobs.Create(context.Background(), job))

	require.NoError(t, h.runner.Recover(context.Background()))

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusFailed, done.Status)
	assert.Equal(t, "interrupted", done.Message)
}

func TestRecoverResumesFreshJob(t *testing.T) {
	h := newHarness(t)

	doneRepo := h.addRepo(t, "alice", "done", db.StatusMirrored)
	pending := h.addRepo(t, "alice", "pending", db.StatusImported)

	now := time.Now().UTC()
	job := &db.MirrorJob{
		UserID:           h.userID,
		BatchID:          uuid.Must(uuid.NewV7()),
		JobType:          db.JobTypeMirror,
		Status:           db.StatusMirroring,
		TotalItems:       2,
		CompletedItems:   1,
		ItemIDs:          store.EncodeItemIDs([]uuid.UUID{doneRepo.ID, pending.ID}),
		CompletedItemIDs: store.EncodeItemIDs([]uuid.UUID{doneRepo.ID}),
		InProgress:       true,
		StartedAt:        &now,
		LastCheckpoint:   &now,
		Timestamp:        now,
	}
	require.NoError(t, h.jobs.Create(context.Background(), job))

	require.NoError(t, h.runner.Recover(context.Background()))

	finished := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusMirrored, finished.Status)
	assert.Equal(t, 2, finished.CompletedItems)

	// Only the pending item went to the destination again.
	h.dst.mu.Lock()
	created := append([]string(nil), h.dst.created...)
	h.dst.mu.Unlock()
	assert.Equal(t, []string{"alice/pending"}, created)
}

func TestCheckpointInvariantAfterFailures(t *testing.T) {
	h := newHarness(t)
	h.dst.failNames = map[string]error{
		"r2": errkind.New(errkind.Transient, "boom"),
		"r4": errkind.New(errkind.Transient, "boom"),
	}

	var ids []uuid.UUID
	for _, name := range []string{"r1", "r2", "r3", "r4", "r5"} {
		ids = append(ids, h.addRepo(t, "alice", name, db.StatusImported).ID)
	}

	job, err := h.runner.StartBatch(context.Background(), Params{
		UserID:  h.userID,
		Type:    db.JobTypeMirror,
		RepoIDs: ids,
	})
	require.NoError(t, err)

	done := h.waitDone(t, job.ID)
	assert.Equal(t, db.StatusMirrored, done.Status)
	assert.Equal(t, "2 of 5 items failed", done.Message)
	assert.Equal(t, 5, done.CompletedItems)

	var completed []uuid.UUID
	require.NoError(t, json.Unmarshal([]byte(done.CompletedItemIDs), &completed))
	seen := make(map[uuid.UUID]bool, len(completed))
	for _, id := range completed {
		assert.False(t, seen[id], "item checkpointed twice")
		seen[id] = true
	}
}
