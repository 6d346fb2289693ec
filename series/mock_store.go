package series

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore implements the Store interface for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) FindSeriesBySlug(ctx context.Context, scope Scope, slug string) (*Series, error) {
	args := m.Called(ctx, scope, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Series), args.Error(1)
}

func (m *MockStore) FindEventBySlug(ctx context.Context, scope Scope, slug string) (*EventRecord, error) {
	args := m.Called(ctx, scope, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EventRecord), args.Error(1)
}

func (m *MockStore) FindEventByID(ctx context.Context, scope Scope, id string) (*EventRecord, error) {
	args := m.Called(ctx, scope, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EventRecord), args.Error(1)
}

func (m *MockStore) FindChildEventsByParentID(ctx context.Context, scope Scope, parentID string) ([]*EventRecord, error) {
	args := m.Called(ctx, scope, parentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*EventRecord), args.Error(1)
}

func (m *MockStore) FindOccurrenceEvents(ctx context.Context, scope Scope, seriesSlug string) ([]*EventRecord, error) {
	args := m.Called(ctx, scope, seriesSlug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*EventRecord), args.Error(1)
}

func (m *MockStore) CreateEvent(ctx context.Context, scope Scope, event *EventRecord) (*EventRecord, error) {
	args := m.Called(ctx, scope, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EventRecord), args.Error(1)
}

func (m *MockStore) UpdateEvent(ctx context.Context, scope Scope, slug string, patch EventPatch) (*EventRecord, error) {
	args := m.Called(ctx, scope, slug, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EventRecord), args.Error(1)
}

func (m *MockStore) RemoveEvent(ctx context.Context, scope Scope, id string) error {
	args := m.Called(ctx, scope, id)
	return args.Error(0)
}

func (m *MockStore) CreateSeries(ctx context.Context, scope Scope, s *Series) (*Series, error) {
	args := m.Called(ctx, scope, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Series), args.Error(1)
}

func (m *MockStore) UpdateSeries(ctx context.Context, scope Scope, s *Series) (*Series, error) {
	args := m.Called(ctx, scope, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Series), args.Error(1)
}

func (m *MockStore) RemoveSeries(ctx context.Context, scope Scope, slug string) error {
	args := m.Called(ctx, scope, slug)
	return args.Error(0)
}
