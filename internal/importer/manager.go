package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/api"
	"github.com/dgnsrekt/simsync/internal/schedule"
)

// Creator submits decoded records. api.HTTPClient implements it.
type Creator interface {
	CreateBlockages(ctx context.Context, records []schedule.Record) (*api.BulkResult, error)
}

// Task is one file to import.
type Task struct {
	Path   string
	Anchor schedule.Anchor
}

func (t Task) String() string {
	return fmt.Sprintf("%s@%s", filepath.Base(t.Path), t.Anchor)
}

type TaskResult struct {
	Task     Task
	Batch    *Batch
	Created  int
	Duration time.Duration
	Error    error
}

// Result aggregates a run. Tasks is in input order.
type Result struct {
	Total   int
	Success int
	Failed  int
	Records int
	Created int
	Tasks   []TaskResult
	Errors  []string
}

// Manager imports several files concurrently, one bulk request per file.
type Manager struct {
	client  Creator
	workers int
	logger  *zap.Logger
}

func NewManager(client Creator, workers int, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		client:  client,
		workers: workers,
		logger:  logger,
	}
}

type job struct {
	index int
	task  Task
}

// Execute runs every task. A failed file does not stop the others; it is
// counted in Failed and described in Errors.
func (m *Manager) Execute(ctx context.Context, tasks []Task) (*Result, error) {
	result := &Result{Total: len(tasks), Tasks: make([]TaskResult, len(tasks))}

	if len(tasks) == 0 {
		return result, nil
	}

	jobs := make(chan job, len(tasks))
	results := make(chan job, len(tasks))
	done := make([]bool, len(tasks))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx, jobs, results, result.Tasks)
		}()
	}

	// Send jobs
	go func() {
		defer close(jobs)
		for i, task := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- job{index: i, task: task}:
			}
		}
	}()

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results
	for j := range results {
		done[j.index] = true
		r := result.Tasks[j.index]
		if r.Error != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Task, r.Error))
			continue
		}
		result.Success++
		result.Records += len(r.Batch.Records)
		result.Created += r.Created
	}

	for i, ok := range done {
		if !ok {
			result.Tasks[i] = TaskResult{Task: tasks[i], Error: ctx.Err()}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// worker fills slots[j.index] before reporting j, so the collector only
// reads slots it has been handed.
func (m *Manager) worker(ctx context.Context, jobs <-chan job, results chan<- job, slots []TaskResult) {
	for j := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		slots[j.index] = m.processTask(ctx, j.task)

		// results holds every task, so this never blocks.
		results <- j
	}
}

func (m *Manager) processTask(ctx context.Context, task Task) (result TaskResult) {
	start := time.Now()
	result.Task = task
	defer func() { result.Duration = time.Since(start) }()

	batch, err := ReadFile(task.Path, task.Anchor)
	if err != nil {
		result.Error = err
		return result
	}
	result.Batch = batch

	if len(batch.Records) == 0 {
		m.logger.Info("nothing to import", zap.String("task", task.String()))
		return result
	}

	m.logger.Info("importing", zap.String("task", task.String()), zap.Int("records", len(batch.Records)))

	created, err := m.client.CreateBlockages(ctx, batch.Records)
	if err != nil {
		result.Error = fmt.Errorf("creating blockages: %w", err)
		return result
	}

	result.Created = created.Created
	m.logger.Info("imported", zap.String("task", task.String()), zap.Int("created", created.Created))

	return result
}
