package usecase

import (
	"strings"
	"time"

	"github.com/fairyhunter13/content-moderator/internal/domain"
)

type fakeJobs struct {
	seeds     []domain.JobSeed
	targets   []domain.Modality
	seedErr   error
	statuses  map[string]domain.JobStatus
	updateErr error
}

func newFakeJobs(targets ...domain.Modality) *fakeJobs {
	return &fakeJobs{targets: targets, statuses: map[string]domain.JobStatus{}}
}

func (f *fakeJobs) Seed(_ domain.Context, seed domain.JobSeed) ([]domain.Modality, error) {
	if f.seedErr != nil {
		return nil, f.seedErr
	}
	f.seeds = append(f.seeds, seed)
	return f.targets, nil
}

func (f *fakeJobs) UpdateStatus(_ domain.Context, cid string, status domain.JobStatus) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.statuses[cid] = status
	return nil
}

func (f *fakeJobs) Get(_ domain.Context, cid string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

type fakeTasks struct {
	upserts []domain.Task
	err     error
	counts  map[domain.JobStatus]int
}

func (f *fakeTasks) UpsertResult(_ domain.Context, t domain.Task) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, t)
	return nil
}

func (f *fakeTasks) StatusCounts(_ domain.Context, _ string) (map[domain.JobStatus]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts, nil
}

type fakeDecisions struct {
	upserts []domain.Decision
	err     error
}

func (f *fakeDecisions) Upsert(_ domain.Context, d domain.Decision) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, d)
	return nil
}

func (f *fakeDecisions) Get(_ domain.Context, _ string) (domain.Decision, error) {
	return domain.Decision{}, domain.ErrNotFound
}

type publishedTask struct {
	Modality domain.Modality
	Env      domain.Envelope
}

type fakePublisher struct {
	published []publishedTask
	err       error
}

func (f *fakePublisher) PublishTaskRequest(_ domain.Context, m domain.Modality, env domain.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedTask{Modality: m, Env: env})
	return nil
}

type fakeFleet struct {
	total  int
	byType map[string]int
}

func (f *fakeFleet) CurrentCount() int { return f.total }

func (f *fakeFleet) CountForType(t string) int {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return f.total
	}
	return f.byType[t]
}

// fakeState mirrors the store contract: expected latched at first sight
// and clamped to 1, decrement only for a new service.
type fakeState struct {
	remaining  map[string]int64
	data       map[string]map[string]domain.WorkerStatus
	finals     map[string][]byte
	observeErr error
	cacheErr   error
	cleaned    []string
}

func newFakeState() *fakeState {
	return &fakeState{
		remaining: map[string]int64{},
		data:      map[string]map[string]domain.WorkerStatus{},
		finals:    map[string][]byte{},
	}
}

func (f *fakeState) Observe(_ domain.Context, cid, service string, status domain.WorkerStatus, expected int, _ time.Duration) (int64, bool, error) {
	if f.observeErr != nil {
		return 0, false, f.observeErr
	}
	if _, ok := f.remaining[cid]; !ok {
		if expected < 1 {
			expected = 1
		}
		f.remaining[cid] = int64(expected)
	}
	svcs := f.data[cid]
	if svcs == nil {
		svcs = map[string]domain.WorkerStatus{}
		f.data[cid] = svcs
	}
	_, seen := svcs[service]
	svcs[service] = status
	if !seen {
		f.remaining[cid]--
	}
	return f.remaining[cid], !seen, nil
}

func (f *fakeState) Statuses(_ domain.Context, cid string) (map[string]domain.WorkerStatus, error) {
	return f.data[cid], nil
}

func (f *fakeState) Final(_ domain.Context, cid string) ([]byte, bool, error) {
	b, ok := f.finals[cid]
	return b, ok, nil
}

func (f *fakeState) CacheFinal(_ domain.Context, cid string, payload []byte, _ time.Duration) error {
	if f.cacheErr != nil {
		return f.cacheErr
	}
	f.finals[cid] = payload
	return nil
}

func (f *fakeState) Cleanup(_ domain.Context, cid string) error {
	f.cleaned = append(f.cleaned, cid)
	delete(f.remaining, cid)
	delete(f.data, cid)
	delete(f.finals, cid)
	return nil
}
