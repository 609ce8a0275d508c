package routers

import (
	"context"
	"strings"
	"time"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/campaigns"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/rpc"
)

type createCampaignInput struct {
	Title           string    `json:"title" validate:"required,min=3,max=120"`
	Description     string    `json:"description" validate:"max=1000"`
	StartsAt        time.Time `json:"startsAt" validate:"required"`
	EndsAt          time.Time `json:"endsAt" validate:"required,gtfield=StartsAt"`
	BonusMultiplier float64   `json:"bonusMultiplier" validate:"required,gte=1,lte=5"`
	Active          *bool     `json:"active"`
}

func (in *createCampaignInput) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
}

type updateCampaignInput struct {
	ID              string     `json:"id" validate:"required,uuid"`
	Title           *string    `json:"title" validate:"omitempty,min=3,max=120"`
	Description     *string    `json:"description" validate:"omitempty,max=1000"`
	StartsAt        *time.Time `json:"startsAt"`
	EndsAt          *time.Time `json:"endsAt"`
	BonusMultiplier *float64   `json:"bonusMultiplier" validate:"omitempty,gte=1,lte=5"`
	Active          *bool      `json:"active"`
}

func (r *routers) campaignProcedures() []*rpc.Procedure {
	admin := rpc.Chain{rpc.AdminOnly}
	return []*rpc.Procedure{
		rpc.Query("campaign.active", rpc.Public, r.campaignActive),
		rpc.Query("campaign.list", admin, r.campaignList),
		rpc.Mutation("campaign.create", admin, r.campaignCreate),
		rpc.Mutation("campaign.update", admin, r.campaignUpdate),
		rpc.Mutation("campaign.delete", admin, r.campaignDelete),
	}
}

func (r *routers) campaignActive(ctx context.Context, _ *rpc.Context, _ *rpc.Empty) (any, error) {
	running, err := r.Campaigns.Running(ctx)
	if err != nil {
		return nil, err
	}
	if running == nil {
		running = []campaigns.Campaign{}
	}
	return running, nil
}

func (r *routers) campaignList(ctx context.Context, _ *rpc.Context, _ *rpc.Empty) (any, error) {
	list, err := r.Campaigns.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []campaigns.Campaign{}
	}
	return list, nil
}

func (r *routers) campaignCreate(ctx context.Context, c *rpc.Context, in *createCampaignInput) (any, error) {
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	camp, err := r.Campaigns.Create(ctx, &campaigns.Campaign{
		Title:           in.Title,
		Description:     in.Description,
		StartsAt:        in.StartsAt,
		EndsAt:          in.EndsAt,
		BonusMultiplier: in.BonusMultiplier,
		Active:          active,
		CreatedBy:       c.UserID(),
	})
	if err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventCampaignCreated, Actor: c.UserID(), Target: camp.ID, Summary: camp.Title})
	if camp.Active {
		r.notify(ctx, c, notify.ChannelBroadcast, notify.EventCampaignStarted, map[string]any{
			"campaignId":      camp.ID,
			"title":           camp.Title,
			"startsAt":        camp.StartsAt,
			"endsAt":          camp.EndsAt,
			"bonusMultiplier": camp.BonusMultiplier,
		})
	}
	return camp, nil
}

func (r *routers) campaignUpdate(ctx context.Context, _ *rpc.Context, in *updateCampaignInput) (any, error) {
	return r.Campaigns.Update(ctx, in.ID, campaigns.Update{
		Title:           in.Title,
		Description:     in.Description,
		StartsAt:        in.StartsAt,
		EndsAt:          in.EndsAt,
		BonusMultiplier: in.BonusMultiplier,
		Active:          in.Active,
	})
}

func (r *routers) campaignDelete(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	if err := r.Campaigns.Delete(ctx, in.ID); err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventCampaignDeleted, Actor: c.UserID(), Target: in.ID, Summary: "campaign deleted"})
	return map[string]any{"deleted": true, "id": in.ID}, nil
}
