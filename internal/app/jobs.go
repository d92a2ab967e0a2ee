package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/store"
)

var ErrClosed = errors.New("orchestrator closed")

type JobEventType string

const (
	JobEventStatus   JobEventType = "status"
	JobEventProgress JobEventType = "progress"
	JobEventResult   JobEventType = "result"
)

type JobEvent struct {
	JobID string       `json:"job_id"`
	Type  JobEventType `json:"type"`

	// For status changes
	Status JobStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`

	// For progress
	Phase   string       `json:"phase,omitempty"`
	Percent int          `json:"percent,omitempty"`
	Event   *store.Event `json:"event,omitempty"`

	Summary *model.RiskSummary `json:"summary,omitempty"`
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Job is a run executing in the background. Its ID is the run ID.
type Job struct {
	ID        string        `json:"id"`
	Input     string        `json:"input"`
	Ecosystem string        `json:"ecosystem"`
	OutDir    string        `json:"out_dir"`
	Status    JobStatus     `json:"status"`
	Phase     string        `json:"phase,omitempty"`
	Percent   int           `json:"percent"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Events    chan JobEvent `json:"-"`

	Result *RunResult `json:"result,omitempty"`
}

func (o *Orchestrator) emitJobEvent(jobID string, ev JobEvent) {
	o.jobsMu.Lock()
	job, ok := o.jobs[jobID]
	o.jobsMu.Unlock()
	if !ok || job == nil || job.Events == nil {
		return
	}

	// Non-blocking send; drop if buffer is full.
	select {
	case job.Events <- ev:
	default:
	}
}

func (o *Orchestrator) updateJob(jobID string, fn func(*Job)) {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	if j, ok := o.jobs[jobID]; ok {
		fn(j)
	}
}

func (o *Orchestrator) setStatus(jobID string, status JobStatus, errMsg string) {
	o.updateJob(jobID, func(j *Job) {
		j.Status = status
		j.Error = errMsg
	})
	o.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: status, Error: errMsg})
}

// StartRunJob runs spec in the background. The returned job's Events
// channel is closed when the run ends.
func (o *Orchestrator) StartRunJob(ctx context.Context, spec RunSpec) (*Job, error) {
	spec, weights, err := o.normalize(spec)
	if err != nil {
		return nil, err
	}
	jobID := spec.RunID

	job := &Job{
		ID:        jobID,
		Input:     spec.Input,
		Ecosystem: spec.Ecosystem,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Events:    make(chan JobEvent, 64),
	}
	jobCtx, cancel := context.WithCancel(ctx)

	o.jobsMu.Lock()
	if o.closed {
		o.jobsMu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if _, exists := o.jobs[jobID]; exists {
		o.jobsMu.Unlock()
		cancel()
		return nil, errors.New("run id already in use")
	}
	o.jobs[jobID] = job
	o.jobCancels[jobID] = cancel
	o.wg.Add(1)
	o.jobsMu.Unlock()

	o.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventStatus, Status: JobPending})

	go func() {
		defer o.wg.Done()
		defer func() {
			o.jobsMu.Lock()
			delete(o.jobCancels, jobID)
			j := o.jobs[jobID]
			if j != nil {
				j.EndedAt = time.Now().UTC()
			}
			o.jobsMu.Unlock()
			cancel()

			// Close events channel so websocket loop can terminate cleanly
			if j != nil && j.Events != nil {
				close(j.Events)
			}
			o.scheduleEviction(jobID)
		}()

		o.setStatus(jobID, JobRunning, "")

		sink := func(ev store.Event) {
			pct, _ := ev.Payload["percent"].(int)
			o.updateJob(jobID, func(j *Job) {
				if ev.Phase != "" {
					j.Phase = ev.Phase
				}
				if pct > 0 {
					j.Percent = pct
				}
			})
			o.emitJobEvent(jobID, JobEvent{JobID: jobID, Type: JobEventProgress, Phase: ev.Phase, Percent: pct, Event: &ev})
		}

		res, err := o.run(jobCtx, spec, weights, sink)
		if res != nil {
			o.updateJob(jobID, func(j *Job) {
				j.Result = res
				j.OutDir = res.OutDir
			})
		}
		if err != nil {
			select {
			case <-jobCtx.Done():
				o.setStatus(jobID, JobCanceled, jobCtx.Err().Error())
			default:
				o.setStatus(jobID, JobFailed, err.Error())
			}
			return
		}

		o.updateJob(jobID, func(j *Job) {
			j.Status = JobDone
			j.Percent = 100
		})
		ev := JobEvent{JobID: jobID, Type: JobEventResult, Status: JobDone, Percent: 100}
		if res != nil {
			ev.Summary = res.Summary
		}
		o.emitJobEvent(jobID, ev)
	}()

	return job, nil
}

// scheduleEviction drops a finished job from memory after the configured
// retention. Its artifacts and registry row remain.
func (o *Orchestrator) scheduleEviction(jobID string) {
	if o.cfg.JobRetention <= 0 {
		return
	}
	time.AfterFunc(o.cfg.JobRetention, func() {
		o.jobsMu.Lock()
		defer o.jobsMu.Unlock()
		delete(o.jobs, jobID)
	})
}

func (o *Orchestrator) CancelJob(jobID string) bool {
	o.jobsMu.Lock()
	cancel, ok := o.jobCancels[jobID]
	o.jobsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// GetJob returns a snapshot of the job, or nil. The snapshot shares the
// Events channel with the live job.
func (o *Orchestrator) GetJob(jobID string) *Job {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// ListJobs returns snapshots of the known jobs, newest first.
func (o *Orchestrator) ListJobs() []Job {
	o.jobsMu.Lock()
	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, *j)
	}
	o.jobsMu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// Close cancels running jobs and waits for them to finish.
func (o *Orchestrator) Close() error {
	o.jobsMu.Lock()
	o.closed = true
	for _, cancel := range o.jobCancels {
		cancel()
	}
	o.jobsMu.Unlock()
	o.wg.Wait()
	o.logger.Info("orchestrator closed")
	return nil
}
