// Package scheduler runs periodic maintenance jobs for TeleVPS.
// Jobs are defined as YAML files in a configurable directory and start,
// stop or restart containers on a fixed interval. Destroy is not a valid
// job action; it always needs an interactive confirmation.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/TeleVPS/pkg/audit"
)

// Platform is the audit platform name for scheduled actions.
const Platform = "scheduler"

// MinInterval is the shortest accepted job interval.
const MinInterval = time.Minute

// Controller is the lifecycle surface jobs can call.
type Controller interface {
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
}

// Recorder records job actions.
type Recorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Job defines a scheduled action from a YAML file.
type Job struct {
	Name    string        `yaml:"name"`
	Action  string        `yaml:"action"`
	Every   time.Duration `yaml:"every"`
	Targets []string      `yaml:"targets"`
}

// Scheduler loads jobs and runs them on their interval.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []Job
	ctrl     Controller
	recorder Recorder
	jobsDir  string
}

// New creates a Scheduler that reads jobs from jobsDir. recorder may be nil.
func New(jobsDir string, ctrl Controller, recorder Recorder) *Scheduler {
	return &Scheduler{
		jobsDir:  jobsDir,
		ctrl:     ctrl,
		recorder: recorder,
	}
}

// LoadJobs reads all .yaml files from the jobs directory. A missing
// directory means no jobs.
func (s *Scheduler) LoadJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = nil

	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading jobs directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		job, err := parseJobFile(filepath.Join(s.jobsDir, name))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		if job.Name == "" {
			job.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		s.jobs = append(s.jobs, *job)
	}

	return nil
}

// Jobs returns a copy of the loaded jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Job, len(s.jobs))
	copy(cp, s.jobs)
	return cp
}

// Run starts one loop per loaded job and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.Jobs() {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.RunJob(ctx, job); err != nil {
						log.Printf("Scheduler: job %s: %v", job.Name, err)
					}
				}
			}
		}(job)
	}
	wg.Wait()
}

// RunJob applies the job action to each target. Every target is attempted;
// the first failure is returned.
func (s *Scheduler) RunJob(ctx context.Context, job Job) error {
	call := s.actionFunc(job.Action)
	if call == nil {
		return fmt.Errorf("unsupported action %q", job.Action)
	}

	var firstErr error
	for _, target := range job.Targets {
		err := call(ctx, target)
		outcome, detail := audit.OutcomeOK, "job "+job.Name
		if err != nil {
			outcome, detail = audit.OutcomeFailed, fmt.Sprintf("job %s: %v", job.Name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s %s: %w", job.Action, target, err)
			}
		}
		s.record(ctx, job.Action, target, outcome, detail)
	}
	return firstErr
}

func (s *Scheduler) actionFunc(action string) func(context.Context, string) error {
	switch action {
	case audit.ActionStart:
		return s.ctrl.Start
	case audit.ActionStop:
		return s.ctrl.Stop
	case audit.ActionRestart:
		return s.ctrl.Restart
	}
	return nil
}

func (s *Scheduler) record(ctx context.Context, action, target, outcome, detail string) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.Record(ctx, &audit.Entry{
		Action:   action,
		Target:   target,
		Platform: Platform,
		ActorTag: Platform,
		Outcome:  outcome,
		Detail:   detail,
	})
	if err != nil {
		log.Printf("Scheduler: recording %s %s: %v", action, target, err)
	}
}

func parseJobFile(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	switch job.Action {
	case audit.ActionStart, audit.ActionStop, audit.ActionRestart:
	case "":
		return nil, fmt.Errorf("action is required")
	default:
		return nil, fmt.Errorf("action must be start, stop or restart, got %q", job.Action)
	}
	if job.Every < MinInterval {
		return nil, fmt.Errorf("every must be at least %s", MinInterval)
	}
	if len(job.Targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}

	return &job, nil
}
