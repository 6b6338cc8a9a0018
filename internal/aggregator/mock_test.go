package aggregator

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/diamond-finder/internal/model"
)

// --- Source Mock ---

type mockSource struct {
	mock.Mock
	name string
}

func newMockSource(name string) *mockSource {
	return &mockSource{name: name}
}

func (m *mockSource) Name() string        { return m.name }
func (m *mockSource) Description() string { return "mock " + m.name }

func (m *mockSource) Search(ctx context.Context) ([]model.Candidate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

// panicSource blows up on every search.
type panicSource struct{ name string }

func (p panicSource) Name() string        { return p.name }
func (p panicSource) Description() string { return "panics" }
func (p panicSource) Search(context.Context) ([]model.Candidate, error) {
	panic("index out of range")
}

// --- CandidateStore Mock ---

type mockCandidateStore struct {
	mock.Mock
}

func (m *mockCandidateStore) Upsert(ctx context.Context, c model.Candidate) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *mockCandidateStore) Top(ctx context.Context, limit int, minScore float64) ([]model.Candidate, error) {
	args := m.Called(ctx, limit, minScore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

func (m *mockCandidateStore) Recent(ctx context.Context, since time.Time) ([]model.Candidate, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

func (m *mockCandidateStore) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockCandidateStore) Get(ctx context.Context, id string) (*model.Candidate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Candidate), args.Error(1)
}

func (m *mockCandidateStore) All(ctx context.Context) ([]model.Candidate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

func (m *mockCandidateStore) SetScore(ctx context.Context, id string, score float64, breakdown map[string]float64) error {
	args := m.Called(ctx, id, score, breakdown)
	return args.Error(0)
}

func (m *mockCandidateStore) MarkUnavailable(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
