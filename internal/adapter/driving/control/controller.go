package control

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
)

type serviceController struct {
	svc *service.CallService
}

// FromService exposes a CallService by session id.
func FromService(svc *service.CallService) Controller {
	return serviceController{svc: svc}
}

func (c serviceController) Sessions() []domain.CallSession {
	return c.svc.Sessions()
}

func (c serviceController) Dial(ctx context.Context, peer domain.PeerID, media ...domain.MediaKind) (domain.CallSession, error) {
	call, err := c.svc.Initiate(ctx, peer, media...)
	if err != nil {
		return domain.CallSession{}, err
	}
	return call.Snapshot(), nil
}

func (c serviceController) Accept(ctx context.Context, id domain.SessionID) error {
	call, err := c.svc.Call(id)
	if err != nil {
		return err
	}
	return c.svc.Accept(ctx, call)
}

func (c serviceController) Decline(ctx context.Context, id domain.SessionID) error {
	call, err := c.svc.Call(id)
	if err != nil {
		return err
	}
	return c.svc.Decline(ctx, call)
}

func (c serviceController) SetMedia(ctx context.Context, id domain.SessionID, kind domain.MediaKind, enabled bool) error {
	call, err := c.svc.Call(id)
	if err != nil {
		return err
	}
	return c.svc.SetMedia(ctx, call, kind, enabled)
}

func (c serviceController) Hangup(ctx context.Context, id domain.SessionID) error {
	call, err := c.svc.Call(id)
	if err != nil {
		return err
	}
	return c.svc.Hangup(ctx, call, domain.ReasonHangup)
}
