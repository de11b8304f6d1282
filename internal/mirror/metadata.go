package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/dest"
	"github.com/forgesync-io/forgesync/internal/errkind"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/source"
)

const (
	issueConcurrency = 4
	pullConcurrency  = 2

	// prTitlePrefix marks replicated pull requests, which land as issues on
	// the destination since the engine never transfers head refs.
	prTitlePrefix = "[PR] "
)

// MetadataState is the per-kind resume cursor stored on the repository row.
// Issue and PR cursors hold the highest source number up to which every
// item has been replicated; boolean kinds flip once fully done.
type MetadataState struct {
	Labels     bool `json:"labels,omitempty"`
	Milestones bool `json:"milestones,omitempty"`
	Releases   bool `json:"releases,omitempty"`
	IssueNum   int  `json:"issues,omitempty"`
	PullNum    int  `json:"pulls,omitempty"`
}

func decodeMetadataState(blob string) MetadataState {
	var st MetadataState
	if blob != "" {
		// A corrupt blob resets the cursor; replication is idempotent.
		_ = json.Unmarshal([]byte(blob), &st)
	}
	return st
}

func (st MetadataState) encode() string {
	raw, _ := json.Marshal(st)
	return string(raw)
}

// runMetadata replicates the enabled metadata kinds after a successful
// mirror. Per-item failures never fail the repository: they are collected
// into the error message and the cursor stops before the first failure so
// the next run picks up there.
func (e *Engine) runMetadata(ctx context.Context, item Item, owner, name string) error {
	opts := item.Options
	repo := item.Repo
	if !opts.MirrorMetadata {
		return nil
	}
	if repo.IsStarred && opts.StarredCodeOnly {
		return nil
	}

	log := e.logger.With(zap.String("repo", repo.FullName))
	st := decodeMetadataState(repo.MetadataState)
	var warnings []string

	labelIDs := map[string]int64{}
	if opts.MetadataLabels {
		ids, err := e.replicateLabels(ctx, item, owner, name, &st)
		if err != nil {
			if errkind.KindOf(err) == errkind.Cancelled {
				return err
			}
			warnings = append(warnings, "labels: "+errkind.UserMessage(err))
		} else {
			labelIDs = ids
		}
	}

	milestoneIDs := map[string]int64{}
	if opts.MetadataMiles {
		ids, err := e.replicateMilestones(ctx, item, owner, name, &st)
		if err != nil {
			if errkind.KindOf(err) == errkind.Cancelled {
				return err
			}
			warnings = append(warnings, "milestones: "+errkind.UserMessage(err))
		} else {
			milestoneIDs = ids
		}
	}

	skipIssues := repo.IsStarred && opts.SkipStarredIssue
	if opts.MetadataIssues && repo.HasIssues && !skipIssues {
		if err := e.replicateIssues(ctx, item, owner, name, &st, labelIDs, milestoneIDs); err != nil {
			if errkind.KindOf(err) == errkind.Cancelled {
				return err
			}
			warnings = append(warnings, "issues: "+errkind.UserMessage(err))
		}
	}

	if opts.MetadataPulls {
		if err := e.replicatePulls(ctx, item, owner, name, &st); err != nil {
			if errkind.KindOf(err) == errkind.Cancelled {
				return err
			}
			warnings = append(warnings, "pulls: "+errkind.UserMessage(err))
		}
	}

	if opts.MirrorReleases && !st.Releases {
		if err := e.replicateReleases(ctx, item, owner, name, &st); err != nil {
			if errkind.KindOf(err) == errkind.Cancelled {
				return err
			}
			warnings = append(warnings, "releases: "+errkind.UserMessage(err))
		}
	}

	if err := e.repos.SetMetadataState(ctx, repo.ID, st.encode()); err != nil {
		return err
	}
	repo.MetadataState = st.encode()

	if len(warnings) > 0 {
		msg := "metadata: " + strings.Join(warnings, "; ")
		if err := e.repos.UpdateStatus(ctx, repo.ID, repo.Status, msg); err != nil {
			return err
		}
		repo.ErrorMessage = msg
		log.Warn("metadata replication finished with warnings", zap.Strings("warnings", warnings))
	}

	e.publish(ctx, repo.UserID, events.ChannelMirror, map[string]any{
		"action":     "repo.metadata",
		"repository": repo.FullName,
		"warnings":   len(warnings),
	})
	return nil
}

func (e *Engine) replicateLabels(ctx context.Context, item Item, owner, name string, st *MetadataState) (map[string]int64, error) {
	existing, err := item.Dest.ListLabels(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if st.Labels {
		return existing, nil
	}

	labels, err := item.Source.ListLabels(ctx, item.Repo.Owner, item.Repo.Name)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		if _, ok := existing[l.Name]; ok {
			continue
		}
		id, err := item.Dest.EnsureLabel(ctx, owner, name, dest.LabelParams{
			Name:        l.Name,
			Color:       l.Color,
			Description: l.Description,
		})
		if err != nil {
			return existing, err
		}
		existing[l.Name] = id
	}
	st.Labels = true
	return existing, nil
}

func (e *Engine) replicateMilestones(ctx context.Context, item Item, owner, name string, st *MetadataState) (map[string]int64, error) {
	existing, err := item.Dest.ListMilestones(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if st.Milestones {
		return existing, nil
	}

	milestones, err := item.Source.ListMilestones(ctx, item.Repo.Owner, item.Repo.Name)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		if _, ok := existing[m.Title]; ok {
			continue
		}
		id, err := item.Dest.EnsureMilestone(ctx, owner, name, dest.MilestoneParams{
			Title:       m.Title,
			Description: m.Description,
			Closed:      m.State == "closed",
			DueOn:       m.DueOn,
		})
		if err != nil {
			return existing, err
		}
		existing[m.Title] = id
	}
	st.Milestones = true
	return existing, nil
}

func (e *Engine) replicateIssues(ctx context.Context, item Item, owner, name string, st *MetadataState, labelIDs, milestoneIDs map[string]int64) error {
	issues, err := item.Source.ListIssues(ctx, item.Repo.Owner, item.Repo.Name)
	if err != nil {
		return err
	}
	existingTitles, err := e.destIssueTitles(ctx, item, owner, name)
	if err != nil {
		return err
	}

	var pending []source.Issue
	for _, is := range issues {
		if is.Number <= st.IssueNum {
			continue
		}
		pending = append(pending, is)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Number < pending[j].Number })

	failed := e.forEachLimited(ctx, issueConcurrency, len(pending), func(i int) error {
		is := pending[i]
		if existingTitles[is.Title] {
			return nil
		}
		var ids []int64
		for _, ln := range is.Labels {
			if id, ok := labelIDs[ln]; ok {
				ids = append(ids, id)
			}
		}
		var milestoneID int64
		if id, ok := milestoneIDs[is.Milestone]; ok {
			milestoneID = id
		}
		idx, err := item.Dest.CreateIssue(ctx, owner, name, dest.IssueParams{
			Title:       is.Title,
			Body:        provenanceBody(is.Body, is.Author, "issue", is.Number),
			Closed:      is.State == "closed",
			LabelIDs:    ids,
			MilestoneID: milestoneID,
		})
		if err != nil {
			return err
		}
		return e.replicateComments(ctx, item, owner, name, is.Number, idx)
	})

	// Advance the cursor to the highest contiguous success so failed items
	// are re-attempted next run.
	cursor := st.IssueNum
	for i, is := range pending {
		if _, bad := failed[i]; bad {
			break
		}
		cursor = is.Number
	}
	st.IssueNum = cursor

	if len(failed) > 0 {
		return errkind.Newf(errkind.Transient, "%d of %d issues failed", len(failed), len(pending))
	}
	return nil
}

func (e *Engine) replicatePulls(ctx context.Context, item Item, owner, name string, st *MetadataState) error {
	pulls, err := item.Source.ListPullRequests(ctx, item.Repo.Owner, item.Repo.Name)
	if err != nil {
		return err
	}
	existingTitles, err := e.destIssueTitles(ctx, item, owner, name)
	if err != nil {
		return err
	}

	var pending []source.PullRequest
	for _, pr := range pulls {
		if pr.Number <= st.PullNum {
			continue
		}
		pending = append(pending, pr)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Number < pending[j].Number })

	failed := e.forEachLimited(ctx, pullConcurrency, len(pending), func(i int) error {
		pr := pending[i]
		title := prTitlePrefix + pr.Title
		if existingTitles[title] {
			return nil
		}
		body := fmt.Sprintf("%s\n\n`%s` → `%s`", pr.Body, pr.HeadBranch, pr.BaseBranch)
		closed := pr.State == "closed" || pr.Merged
		_, err := item.Dest.CreateIssue(ctx, owner, name, dest.IssueParams{
			Title:  title,
			Body:   provenanceBody(body, pr.Author, "pull request", pr.Number),
			Closed: closed,
		})
		return err
	})

	cursor := st.PullNum
	for i, pr := range pending {
		if _, bad := failed[i]; bad {
			break
		}
		cursor = pr.Number
	}
	st.PullNum = cursor

	if len(failed) > 0 {
		return errkind.Newf(errkind.Transient, "%d of %d pull requests failed", len(failed), len(pending))
	}
	return nil
}

func (e *Engine) replicateReleases(ctx context.Context, item Item, owner, name string, st *MetadataState) error {
	releases, err := item.Source.ListReleases(ctx, item.Repo.Owner, item.Repo.Name)
	if err != nil {
		return err
	}
	existing, err := item.Dest.ListReleaseTags(ctx, owner, name)
	if err != nil {
		return err
	}
	for _, r := range releases {
		if existing[r.TagName] {
			continue
		}
		err := item.Dest.CreateRelease(ctx, owner, name, dest.ReleaseParams{
			TagName:    r.TagName,
			Title:      r.Name,
			Body:       r.Body,
			Draft:      r.Draft,
			Prerelease: r.Prerelease,
		})
		if err != nil {
			// Releases referencing tags the mirror has not pulled yet are
			// retried on the next metadata pass.
			return err
		}
	}
	st.Releases = true
	return nil
}

func (e *Engine) replicateComments(ctx context.Context, item Item, owner, name string, srcNumber int, destIndex int64) error {
	comments, err := item.Source.ListIssueComments(ctx, item.Repo.Owner, item.Repo.Name, srcNumber)
	if err != nil {
		return err
	}
	for _, c := range comments {
		body := provenanceBody(c.Body, c.Author, "comment", 0)
		if err := item.Dest.CreateComment(ctx, owner, name, destIndex, body); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) destIssueTitles(ctx context.Context, item Item, owner, name string) (map[string]bool, error) {
	existing, err := item.Dest.ListIssues(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]bool, len(existing))
	for _, is := range existing {
		titles[is.Title] = true
	}
	return titles, nil
}

// forEachLimited runs fn for indexes 0..n-1 with at most limit in flight
// and returns the set of failed indexes. It stops launching new work once
// ctx is cancelled but lets in-flight calls finish.
func (e *Engine) forEachLimited(ctx context.Context, limit, n int, fn func(i int) error) map[int]error {
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := make(map[int]error)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			mu.Lock()
			failed[i] = ctx.Err()
			mu.Unlock()
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				mu.Lock()
				failed[i] = err
				mu.Unlock()
				e.logger.Debug("metadata item failed",
					zap.Int("index", i),
					zap.Error(err))
			}
		}(i)
	}
	wg.Wait()
	return failed
}

func provenanceBody(body, author, kind string, number int) string {
	var ref string
	if number > 0 {
		ref = fmt.Sprintf("%s #%d", kind, number)
	} else {
		ref = kind
	}
	return fmt.Sprintf("%s\n\n---\n*Original %s by @%s*", body, ref, author)
}
