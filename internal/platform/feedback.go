package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (p *Platform) reportShortcoming(_ context.Context, caller *Caller, args map[string]any) (any, error) {
	var a struct {
		Summary    string `json:"summary"`
		Capability string `json:"capability"`
		ResourceID string `json:"resource_id"`
		Severity   string `json:"severity"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Severity == "" {
		a.Severity = "medium"
	}
	sc := &Shortcoming{
		ID:         uuid.NewString(),
		UserID:     caller.UserID,
		Summary:    a.Summary,
		Capability: a.Capability,
		ResourceID: a.ResourceID,
		Severity:   a.Severity,
		CreatedAt:  time.Now().UTC(),
	}

	// Reports are diagnostic: storing and linking them never fails the call.
	if p.cfg.Community != nil {
		p.sink.Go("shortcoming_report", func(ctx context.Context) error {
			if err := p.cfg.Community.AddShortcoming(ctx, sc); err != nil {
				return err
			}
			gapID, err := p.cfg.Community.LinkGap(ctx, sc)
			if err != nil {
				return fmt.Errorf("gap link: %w", err)
			}
			p.logger.Debug("shortcoming linked to gap",
				zap.String("shortcoming_id", sc.ID),
				zap.String("gap_id", gapID),
			)
			return nil
		})
	}
	return map[string]any{"received": true, "id": sc.ID}, nil
}

func (p *Platform) browseGaps(ctx context.Context, _ *Caller, args map[string]any) (any, error) {
	var a struct {
		Status GapStatus `json:"status"`
		Limit  int       `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if p.cfg.Community == nil {
		return nil, unavailable("gap tracking")
	}
	if a.Status == "" {
		a.Status = GapOpen
	}
	if a.Limit <= 0 {
		a.Limit = 20
	}
	gaps, err := p.cfg.Community.ListGaps(ctx, a.Status, a.Limit)
	if err != nil {
		return nil, fmt.Errorf("browseGaps: %w", err)
	}
	if gaps == nil {
		gaps = []Gap{}
	}
	return map[string]any{"status": a.Status, "gaps": gaps}, nil
}
