package service

import (
	"context"

	"github.com/mmynk/tontine/internal/cycle"
	"github.com/mmynk/tontine/internal/draw"
)

// RotationService implements tontine.v1.RotationService: the tontine
// lifecycle, the cycle scheduler and the draw.
type RotationService struct {
	scheduler *cycle.Scheduler
	draws     *draw.Engine
}

// NewRotationService creates a RotationService.
func NewRotationService(scheduler *cycle.Scheduler, draws *draw.Engine) *RotationService {
	return &RotationService{scheduler: scheduler, draws: draws}
}

func (s *RotationService) StartTontine(ctx context.Context, userID string, req *TontineRequest) (*TontineResponse, error) {
	t, err := s.scheduler.Start(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	return &TontineResponse{Tontine: toTontine(t)}, nil
}

func (s *RotationService) CancelTontine(ctx context.Context, userID string, req *TontineRequest) (*TontineResponse, error) {
	t, err := s.scheduler.Cancel(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	return &TontineResponse{Tontine: toTontine(t)}, nil
}

// EvaluateCycle advances the current cycle as far as it can go now.
func (s *RotationService) EvaluateCycle(ctx context.Context, userID string, req *TontineRequest) (*EvaluateCycleResponse, error) {
	st, err := s.scheduler.EvaluateAs(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	return toEvaluateResponse(st), nil
}

func (s *RotationService) GetCycle(ctx context.Context, userID string, req *GetCycleRequest) (*CycleResponse, error) {
	c, err := s.scheduler.GetCycle(ctx, req.TontineID, userID, req.Number)
	if err != nil {
		return nil, err
	}
	return &CycleResponse{Cycle: toCycle(c)}, nil
}

func (s *RotationService) RequestDraw(ctx context.Context, userID string, req *TontineRequest) (*DrawResponse, error) {
	d, err := s.draws.RequestAs(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	return &DrawResponse{Draw: toDraw(d)}, nil
}

func (s *RotationService) ConfirmParticipation(ctx context.Context, userID string, req *DrawRequest) (*ConfirmParticipationResponse, error) {
	res, err := s.draws.ConfirmParticipation(ctx, req.DrawID, userID)
	if err != nil {
		return nil, err
	}
	return toConfirmResponse(res), nil
}

func (s *RotationService) RunDraw(ctx context.Context, userID string, req *DrawRequest) (*DrawResponse, error) {
	d, err := s.draws.RunAs(ctx, req.DrawID, userID)
	if err != nil {
		return nil, err
	}
	return &DrawResponse{Draw: toDraw(d), Verified: draw.Verify(d)}, nil
}

func (s *RotationService) ResetDraw(ctx context.Context, userID string, req *DrawRequest) (*DrawResponse, error) {
	d, err := s.draws.Reset(ctx, req.DrawID, userID)
	if err != nil {
		return nil, err
	}
	return &DrawResponse{Draw: toDraw(d)}, nil
}

// GetDraw returns a draw and whether its seal still matches its result.
func (s *RotationService) GetDraw(ctx context.Context, userID string, req *DrawRequest) (*DrawResponse, error) {
	d, err := s.draws.Get(ctx, req.DrawID, userID)
	if err != nil {
		return nil, err
	}
	return &DrawResponse{Draw: toDraw(d), Verified: draw.Verify(d)}, nil
}
