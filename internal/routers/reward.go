package routers

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/rewards"
	"github.com/marcus-qen/ecoscan/internal/rpc"
)

type createRewardInput struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=1000"`
	PointsCost  int    `json:"pointsCost" validate:"required,min=1"`
	Stock       int    `json:"stock" validate:"min=0"`
	Active      *bool  `json:"active"`
	Image       string `json:"image" validate:"omitempty,url,max=500"`
}

func (in *createRewardInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
}

type updateRewardInput struct {
	ID          string  `json:"id" validate:"required,uuid"`
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	PointsCost  *int    `json:"pointsCost" validate:"omitempty,min=1"`
	Stock       *int    `json:"stock" validate:"omitempty,min=0"`
	Active      *bool   `json:"active"`
	// An empty string clears the image.
	Image       *string `json:"image" validate:"omitempty,max=500,url|len=0"`
}

type redeemInput struct {
	RewardID string `json:"rewardId" validate:"required,uuid"`
}

type updateRedemptionInput struct {
	ID     string `json:"id" validate:"required,uuid"`
	Status string `json:"status" validate:"required,oneof=FULFILLED CANCELLED"`
}

type listRedemptionsInput struct {
	Page
	Status string `json:"status" validate:"omitempty,oneof=PENDING FULFILLED CANCELLED"`
}

func (r *routers) rewardProcedures() []*rpc.Procedure {
	admin := rpc.Chain{rpc.AdminOnly}
	return []*rpc.Procedure{
		rpc.Query("reward.list", rpc.Public, r.rewardList),
		rpc.Query("reward.getById", rpc.Public, r.rewardGet),
		rpc.Mutation("reward.create", admin, r.rewardCreate),
		rpc.Mutation("reward.update", admin, r.rewardUpdate),
		rpc.Mutation("reward.delete", admin, r.rewardDelete),
		rpc.Mutation("reward.redeem", rpc.Authenticated, r.rewardRedeem),
		rpc.Query("reward.myRedemptions", rpc.Authenticated, r.rewardMyRedemptions),
		rpc.Query("reward.listRedemptions", admin, r.rewardListRedemptions),
		rpc.Mutation("reward.updateRedemption", admin, r.rewardUpdateRedemption),
	}
}

func (r *routers) rewardList(ctx context.Context, _ *rpc.Context, _ *rpc.Empty) (any, error) {
	list, err := r.Rewards.List(ctx, true)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []rewards.Reward{}
	}
	return list, nil
}

// rewardGet hides inactive rewards from callers who cannot manage them.
func (r *routers) rewardGet(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	rw, err := r.Rewards.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if !rw.Active {
		if _, err := rpc.AdminOnly.Check(ctx, c); err != nil {
			return nil, rewards.ErrRewardNotFound
		}
	}
	return rw, nil
}

func (r *routers) rewardCreate(ctx context.Context, _ *rpc.Context, in *createRewardInput) (any, error) {
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	return r.Rewards.Create(ctx, &rewards.Reward{
		Name:        in.Name,
		Description: in.Description,
		PointsCost:  in.PointsCost,
		Stock:       in.Stock,
		Active:      active,
		Image:       in.Image,
	})
}

func (r *routers) rewardUpdate(ctx context.Context, _ *rpc.Context, in *updateRewardInput) (any, error) {
	return r.Rewards.Update(ctx, in.ID, rewards.Update{
		Name:        in.Name,
		Description: in.Description,
		PointsCost:  in.PointsCost,
		Stock:       in.Stock,
		Active:      in.Active,
		Image:       in.Image,
	})
}

func (r *routers) rewardDelete(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	if err := r.Rewards.Delete(ctx, in.ID); err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventRewardDeleted, Actor: c.UserID(), Target: in.ID, Summary: "reward deleted"})
	return map[string]any{"deleted": true, "id": in.ID}, nil
}

func (r *routers) rewardRedeem(ctx context.Context, c *rpc.Context, in *redeemInput) (any, error) {
	res, err := r.Rewards.Redeem(ctx, c.UserID(), in.RewardID)
	if err != nil {
		return nil, err
	}
	red := res.Redemption
	r.notify(ctx, c, notify.ChannelAdmins, notify.EventRewardRedeemed, map[string]any{
		"redemptionId": red.ID,
		"userId":       red.UserID,
		"rewardId":     red.RewardID,
		"rewardName":   red.RewardName,
		"pointsSpent":  red.PointsSpent,
	})
	return res, nil
}

func (r *routers) rewardMyRedemptions(ctx context.Context, c *rpc.Context, in *Page) (any, error) {
	list, err := r.Rewards.RedemptionsByUser(ctx, c.UserID(), in.Limit, in.Offset)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []rewards.Redemption{}
	}
	return list, nil
}

func (r *routers) rewardListRedemptions(ctx context.Context, _ *rpc.Context, in *listRedemptionsInput) (any, error) {
	list, err := r.Rewards.ListRedemptions(ctx, in.Status, in.Limit, in.Offset)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []rewards.Redemption{}
	}
	return list, nil
}

func (r *routers) rewardUpdateRedemption(ctx context.Context, c *rpc.Context, in *updateRedemptionInput) (any, error) {
	res, err := r.Rewards.UpdateRedemption(ctx, in.ID, in.Status)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("redemption %s", in.Status)
	if res.Refund != nil {
		summary += fmt.Sprintf(", refunded %d points", res.Redemption.PointsSpent)
	}
	r.audit(audit.Event{Type: audit.EventRedemptionUpdated, Actor: c.UserID(), Target: in.ID, Summary: summary})
	return res, nil
}
