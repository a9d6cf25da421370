// Package remote stores performances through the music service backend.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/thebtf/cadenza/internal/api"
	"github.com/thebtf/cadenza/internal/persistence"
	"github.com/thebtf/cadenza/pkg/models"
)

// Backend routes.
const (
	pathRunning      = "/performance/running"
	pathRunningClose = "/performance/running/close"
	pathPerformance  = "/performance"
)

// request is the backend's performance body. performanceData is the sample
// log serialized to a JSON string.
type request struct {
	PerformanceID   string `json:"performanceId,omitempty"`
	PerformanceData string `json:"performanceData"`
	SheetMusicID    string `json:"sheetMusicId"`
	ExerciseID      string `json:"exerciseId,omitempty"`
	MeasureStart    *int   `json:"measureStart,omitempty"`
	MeasureEnd      *int   `json:"measureEnd,omitempty"`
	IsExercise      *bool  `json:"isDurationExercise,omitempty"`
}

type initResponse struct {
	PerformanceID api.ID `json:"performance_id"`
}

// Store implements persistence.Store against the backend API.
type Store struct {
	client *api.Client
}

// New creates a remote store.
func New(client *api.Client) *Store {
	return &Store{client: client}
}

func newRequest(h persistence.Handle, samples models.SampleLog, sourceID string) (*request, error) {
	data, err := samples.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode samples: %w", err)
	}
	return &request{
		PerformanceID:   string(h),
		PerformanceData: data,
		SheetMusicID:    sourceID,
	}, nil
}

func (r *request) withRange(p persistence.Payload) *request {
	start, end, exercise := p.MeasureStart, p.MeasureEnd, p.IsExercise
	r.MeasureStart = &start
	r.MeasureEnd = &end
	r.IsExercise = &exercise
	r.ExerciseID = p.ExerciseID
	return r
}

// InitializePerformance implements persistence.Store.
func (s *Store) InitializePerformance(ctx context.Context, p persistence.Payload) (persistence.Handle, error) {
	req, err := newRequest("", p.Samples, p.SourceID)
	if err != nil {
		return "", err
	}
	var resp initResponse
	if err := s.client.Do(ctx, http.MethodPost, pathRunning, nil, req.withRange(p), &resp); err != nil {
		return "", fmt.Errorf("initialize performance: %w", err)
	}
	if resp.PerformanceID == "" {
		return "", errors.New("initialize performance: response has no performance id")
	}
	return persistence.Handle(resp.PerformanceID), nil
}

// UpdatePerformance implements persistence.Store.
func (s *Store) UpdatePerformance(ctx context.Context, h persistence.Handle, samples models.SampleLog, sourceID string) error {
	if h == "" {
		return persistence.ErrUnknownHandle
	}
	req, err := newRequest(h, samples, sourceID)
	if err != nil {
		return err
	}
	if err := s.client.Do(ctx, http.MethodPut, pathRunning, nil, req, nil); err != nil {
		return fmt.Errorf("update performance %s: %w", h, wrapNotFound(err))
	}
	return nil
}

// ClosePerformance implements persistence.Store. An empty handle submits
// the payload as a whole performance.
func (s *Store) ClosePerformance(ctx context.Context, h persistence.Handle, p persistence.Payload) error {
	req, err := newRequest(h, p.Samples, p.SourceID)
	if err != nil {
		return err
	}
	req.withRange(p)

	if h == "" {
		if err := s.client.Do(ctx, http.MethodPost, pathPerformance, nil, req, nil); err != nil {
			return fmt.Errorf("submit performance: %w", err)
		}
		return nil
	}
	if err := s.client.Do(ctx, http.MethodPost, pathRunningClose, nil, req, nil); err != nil {
		return fmt.Errorf("close performance %s: %w", h, wrapNotFound(err))
	}
	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("%w: %v", persistence.ErrUnknownHandle, err)
	}
	return err
}
