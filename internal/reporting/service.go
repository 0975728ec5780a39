// Package reporting derives call history listings and statistics from the
// immutable history rows written by session transitions.
package reporting

import (
	"context"
	"errors"

	"call-coordinator/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. sessionstore.Store
// satisfies it.
type Repository interface {
	ListHistory(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// History lists rows newest first. ParticipantID is required so a caller
// only sees calls they took part in.
func (s *Service) History(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error) {
	if f.ParticipantID == "" {
		return nil, ErrInvalidRequest
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidRequest
	}
	if f.CallType != "" && !f.CallType.Valid() {
		return nil, ErrInvalidRequest
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("reporting: repository not configured")
	}
	return s.repo.ListHistory(ctx, f.Normalize())
}

// CallsSummary aggregates terminal rows. Completed calls are ended calls
// that reached connected; the average is taken over completed calls.
func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	out := CallsSummary{ParticipantID: req.ParticipantID, Range: req.Range}
	for _, status := range []calls.Status{calls.StatusEnded, calls.StatusDeclined} {
		rows, err := s.listAll(ctx, calls.HistoryFilter{
			ParticipantID: req.ParticipantID,
			Status:        status,
			From:          req.Range.From,
			To:            req.Range.To,
		})
		if err != nil {
			return CallsSummary{}, err
		}
		for _, e := range rows {
			out.TotalCalls++
			switch e.CallType {
			case calls.CallTypeVideo:
				out.VideoCalls++
			case calls.CallTypeAudio:
				out.AudioCalls++
			}
			if e.Status == calls.StatusDeclined {
				out.DeclinedCalls++
				continue
			}
			if e.ConnectedAt != nil {
				out.CompletedCalls++
				out.TotalDurationSeconds += e.DurationSeconds
			}
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	return out, nil
}

// listAll pages through the repository until a short page.
func (s *Service) listAll(ctx context.Context, f calls.HistoryFilter) ([]calls.HistoryEntry, error) {
	f.Limit = calls.MaxHistoryLimit
	var out []calls.HistoryEntry
	for {
		page, err := s.repo.ListHistory(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < f.Limit {
			return out, nil
		}
		f.Offset += len(page)
	}
}
