package remote

import (
	"context"
	"net/url"
	"strconv"

	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// RunLabelLayout formats job run labels.
const RunLabelLayout = "2006-01-02 15:04:05"

// maxJobPages bounds job list pagination.
const maxJobPages = 50

// JobLister lists jobs at the root and the runs of a job below it.
type JobLister struct {
	f         Fetcher
	runsLimit int
}

func NewJobLister(f Fetcher) *JobLister {
	return &JobLister{f: f, runsLimit: 25}
}

type job struct {
	JobID       int64 `json:"job_id"`
	CreatedTime int64 `json:"created_time"`
	Settings    struct {
		Name     string `json:"name"`
		Schedule *struct {
			Cron        string `json:"quartz_cron_expression"`
			PauseStatus string `json:"pause_status"`
		} `json:"schedule"`
	} `json:"settings"`
}

type jobRun struct {
	RunID     int64 `json:"run_id"`
	JobID     int64 `json:"job_id"`
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
	State     struct {
		LifeCycleState string `json:"life_cycle_state"`
		ResultState    string `json:"result_state"`
	} `json:"state"`
}

func (l *JobLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	segs := tree.Segments(p)
	switch len(segs) {
	case 0:
		return l.listJobs(ctx)
	case 1:
		jobID, err := strconv.ParseInt(segs[0], 10, 64)
		if err != nil {
			return nil, nil
		}
		return l.listRuns(ctx, p, jobID)
	}
	return nil, nil
}

func (l *JobLister) listJobs(ctx context.Context) ([]models.RemoteItem, error) {
	var items []models.RemoteItem
	params := url.Values{"limit": {"100"}}
	for page := 0; page < maxJobPages; page++ {
		var resp struct {
			Jobs          []job  `json:"jobs"`
			HasMore       bool   `json:"has_more"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := l.f.Fetch(ctx, "/api/2.1/jobs/list", params, &resp); err != nil {
			return nil, wrap(Jobs, tree.Root, err)
		}
		for _, j := range resp.Jobs {
			info := models.JobInfo{JobID: j.JobID, CreatedAt: fromMillis(j.CreatedTime)}
			if s := j.Settings.Schedule; s != nil {
				info.Schedule = s.Cron
				info.PauseStatus = s.PauseStatus
			}
			label := j.Settings.Name
			if label == "" {
				label = itoa(j.JobID)
			}
			items = append(items, models.RemoteItem{
				Name:    itoa(j.JobID),
				Label:   label,
				Path:    tree.BuildChildPath(tree.Root, itoa(j.JobID)),
				Kind:    models.KindJob,
				ID:      itoa(j.JobID),
				Payload: info,
			})
		}
		if !resp.HasMore || resp.NextPageToken == "" {
			break
		}
		params.Set("page_token", resp.NextPageToken)
	}
	return items, nil
}

func (l *JobLister) listRuns(ctx context.Context, p string, jobID int64) ([]models.RemoteItem, error) {
	var resp struct {
		Runs []jobRun `json:"runs"`
	}
	params := url.Values{
		"job_id": {itoa(jobID)},
		"limit":  {strconv.Itoa(l.runsLimit)},
	}
	if err := l.f.Fetch(ctx, "/api/2.1/jobs/runs/list", params, &resp); err != nil {
		return nil, wrap(Jobs, p, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Runs))
	for _, r := range resp.Runs {
		info := models.RunInfo{
			RunID:          r.RunID,
			JobID:          jobID,
			LifeCycleState: r.State.LifeCycleState,
			ResultState:    r.State.ResultState,
			StartTime:      fromMillis(r.StartTime),
			EndTime:        fromMillis(r.EndTime),
		}
		labelTime := info.StartTime
		if !info.Running() && !info.EndTime.IsZero() {
			labelTime = info.EndTime
		}
		items = append(items, models.RemoteItem{
			Name:    itoa(r.RunID),
			Label:   labelTime.Format(RunLabelLayout),
			Path:    tree.BuildChildPath(p, itoa(r.RunID)),
			Kind:    models.KindJobRun,
			ID:      itoa(r.RunID),
			Payload: info,
		})
	}
	return items, nil
}
