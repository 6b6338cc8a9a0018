package server

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/diamond-finder/internal/model"
)

type mockCandidateStore struct{ mock.Mock }

func (m *mockCandidateStore) Upsert(ctx context.Context, c model.Candidate) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockCandidateStore) Top(ctx context.Context, limit int, minScore float64) ([]model.Candidate, error) {
	args := m.Called(ctx, limit, minScore)
	cands, _ := args.Get(0).([]model.Candidate)
	return cands, args.Error(1)
}

func (m *mockCandidateStore) Recent(ctx context.Context, since time.Time) ([]model.Candidate, error) {
	args := m.Called(ctx, since)
	cands, _ := args.Get(0).([]model.Candidate)
	return cands, args.Error(1)
}

func (m *mockCandidateStore) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockCandidateStore) Get(ctx context.Context, id string) (*model.Candidate, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Candidate)
	return c, args.Error(1)
}

func (m *mockCandidateStore) All(ctx context.Context) ([]model.Candidate, error) {
	args := m.Called(ctx)
	cands, _ := args.Get(0).([]model.Candidate)
	return cands, args.Error(1)
}

func (m *mockCandidateStore) SetScore(ctx context.Context, id string, score float64, breakdown map[string]float64) error {
	return m.Called(ctx, id, score, breakdown).Error(0)
}

func (m *mockCandidateStore) MarkUnavailable(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mockTracker struct{ mock.Mock }

func (m *mockTracker) RecordRun(ctx context.Context, source string, outcome model.RunOutcome) error {
	return m.Called(ctx, source, outcome).Error(0)
}

func (m *mockTracker) GetPerformance(ctx context.Context, source string) (*model.StrategyPerformance, error) {
	args := m.Called(ctx, source)
	p, _ := args.Get(0).(*model.StrategyPerformance)
	return p, args.Error(1)
}

func (m *mockTracker) ListPerformance(ctx context.Context) ([]model.StrategyPerformance, error) {
	args := m.Called(ctx)
	perfs, _ := args.Get(0).([]model.StrategyPerformance)
	return perfs, args.Error(1)
}

func (m *mockTracker) SetActive(ctx context.Context, source string, active bool) error {
	return m.Called(ctx, source, active).Error(0)
}
