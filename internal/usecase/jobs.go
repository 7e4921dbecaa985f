package usecase

import (
	"context"
	"fmt"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/producer"
	"github.com/obango/obango/internal/store"
)

// JobUsecase fronts the engine's submission API (§6.2) and read paths for
// the admin HTTP handlers, so the transport layer never touches store.JobStore
// directly.
type JobUsecase struct {
	jobs      store.JobStore
	producers map[string]*producer.Producer // by queue, for pause/resume
}

func NewJobUsecase(jobs store.JobStore, producers map[string]*producer.Producer) *JobUsecase {
	return &JobUsecase{jobs: jobs, producers: producers}
}

func (u *JobUsecase) Insert(ctx context.Context, spec *domain.Spec) (*domain.InsertResult, error) {
	return u.jobs.Insert(ctx, spec)
}

func (u *JobUsecase) InsertAll(ctx context.Context, specs []*domain.Spec) ([]*domain.InsertResult, error) {
	return u.jobs.InsertAll(ctx, specs)
}

func (u *JobUsecase) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	return u.jobs.GetByID(ctx, id)
}

// QueueStatus reports per-queue availability and producer demand.
type QueueStatus struct {
	Queue          string `json:"queue"`
	AvailableCount int    `json:"available_count"`
	Limit          int    `json:"limit,omitempty"`
	InFlight       int    `json:"in_flight,omitempty"`
	State          string `json:"state,omitempty"`
}

func (u *JobUsecase) Queues(ctx context.Context) ([]QueueStatus, error) {
	counts, err := u.jobs.QueueCounts(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]QueueStatus, 0, len(counts))
	for queue, count := range counts {
		qs := QueueStatus{Queue: queue, AvailableCount: count}
		if p, ok := u.producers[queue]; ok {
			qs.InFlight = p.InFlight()
			qs.State = p.State()
		}
		statuses = append(statuses, qs)
	}
	return statuses, nil
}

func (u *JobUsecase) PauseQueue(queue string) error {
	p, ok := u.producers[queue]
	if !ok {
		return fmt.Errorf("no producer for queue %q", queue)
	}
	p.Pause()
	return nil
}

func (u *JobUsecase) ResumeQueue(queue string) error {
	p, ok := u.producers[queue]
	if !ok {
		return fmt.Errorf("no producer for queue %q", queue)
	}
	p.Resume()
	return nil
}
