package routers

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/bins"
	"github.com/marcus-qen/ecoscan/internal/disposals"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/points"
	"github.com/marcus-qen/ecoscan/internal/qrcode"
	"github.com/marcus-qen/ecoscan/internal/rpc"
	"go.uber.org/zap"
)

type createDisposalInput struct {
	QRCode    string   `json:"qrCode" validate:"required,max=2048"`
	WasteType string   `json:"wasteType" validate:"required,oneof=GENERAL RECYCLABLE ORGANIC HAZARDOUS ELECTRONIC"`
	WeightKg  *float64 `json:"weightKg" validate:"omitempty,gt=0,lte=1000"`
}

type verifyInput struct {
	ID      string `json:"id" validate:"required,uuid"`
	Approve *bool  `json:"approve" validate:"required"`
}

type disposalCreated struct {
	Disposal   any     `json:"disposal"`
	Bin        string  `json:"bin"`
	Multiplier float64 `json:"campaignMultiplier"`
	Campaign   string  `json:"campaign,omitempty"`
}

func (r *routers) disposalProcedures() []*rpc.Procedure {
	managers := rpc.Chain{rpc.WasteManagerOrAbove}
	return []*rpc.Procedure{
		rpc.Mutation("wasteDisposal.create", rpc.Authenticated, r.disposalCreate),
		rpc.Query("wasteDisposal.myHistory", rpc.Authenticated, r.disposalHistory),
		rpc.Query("wasteDisposal.listPending", managers, r.disposalPending),
		rpc.Mutation("wasteDisposal.verify", managers, r.disposalVerify),
		rpc.Query("wasteDisposal.stats", rpc.Authenticated, r.disposalStats),
	}
}

// scannedBin resolves a QR payload to its bin. A validly signed code that
// is no longer the bin's current code is rejected as well.
func (r *routers) scannedBin(ctx context.Context, code string) (*bins.Bin, error) {
	binID, err := r.QR.Verify(code)
	if err != nil {
		return nil, err
	}
	b, err := r.Bins.Get(ctx, binID)
	if err != nil {
		return nil, err
	}
	if strings.TrimPrefix(strings.TrimSpace(code), qrcode.Prefix) != strings.TrimPrefix(b.QRCode, qrcode.Prefix) {
		return nil, qrcode.ErrInvalidCode
	}
	return b, nil
}

func (r *routers) disposalCreate(ctx context.Context, c *rpc.Context, in *createDisposalInput) (any, error) {
	b, err := r.scannedBin(ctx, in.QRCode)
	if err != nil {
		return nil, err
	}
	if b.Status != bins.StatusActive {
		return nil, rpc.Conflict(fmt.Sprintf("bin is %s", b.Status))
	}
	if !bins.Accepts(b.WasteType, in.WasteType) {
		return nil, rpc.BadRequest(fmt.Sprintf("%s bin does not accept %s waste", b.WasteType, in.WasteType))
	}

	earned := points.PointsFor(in.WasteType, in.WeightKg)
	multiplier, campaign, err := r.Campaigns.Multiplier(ctx)
	if err != nil {
		return nil, err
	}
	earned = points.ApplyCampaign(earned, multiplier)

	d, err := r.Disposals.Create(ctx, c.UserID(), b.ID, in.WasteType, in.WeightKg, earned)
	if err != nil {
		return nil, err
	}
	out := disposalCreated{Disposal: d, Bin: b.Name, Multiplier: multiplier}
	if campaign != nil {
		out.Campaign = campaign.Title
	}

	r.notify(ctx, c, notify.ChannelWasteManagers, notify.EventDisposalCreated, map[string]any{
		"disposalId": d.ID,
		"userId":     d.UserID,
		"binId":      b.ID,
		"binName":    b.Name,
		"wasteType":  d.WasteType,
		"points":     d.Points,
	})
	return out, nil
}

func (r *routers) disposalHistory(ctx context.Context, c *rpc.Context, in *Page) (any, error) {
	list, total, err := r.Disposals.ListByUser(ctx, c.UserID(), in.Limit, in.Offset)
	if err != nil {
		return nil, err
	}
	return newList(list, total, *in), nil
}

func (r *routers) disposalPending(ctx context.Context, _ *rpc.Context, in *Page) (any, error) {
	list, total, err := r.Disposals.ListPending(ctx, in.Limit, in.Offset)
	if err != nil {
		return nil, err
	}
	return newList(list, total, *in), nil
}

func (r *routers) disposalVerify(ctx context.Context, c *rpc.Context, in *verifyInput) (any, error) {
	actor := c.Role()
	res, err := r.Disposals.Verify(ctx, in.ID, c.UserID(), *in.Approve, func(ownerID string, owner auth.Role) error {
		if ownerID == c.UserID() {
			return rpc.Forbidden("cannot review your own disposal")
		}
		if !auth.CanManageUser(actor, owner) {
			return rpc.Forbidden(fmt.Sprintf("%s cannot review disposals of %s accounts", actor, owner))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := res.Disposal
	typ := audit.EventDisposalRejected
	if d.Status == disposals.StatusVerified {
		typ = audit.EventDisposalVerified
		r.Metrics.RecordPointsAwarded(d.Points)
	}
	r.audit(audit.Event{Type: typ, Actor: c.UserID(), Target: d.ID, Summary: fmt.Sprintf("%d points for %s", d.Points, d.UserID)})

	payload := map[string]any{
		"disposalId": d.ID,
		"status":     d.Status,
		"points":     d.Points,
	}
	if res.Balance != nil {
		payload["totalPoints"] = res.Balance.NewPoints
		payload["level"] = res.Balance.NewLevel
	}
	channel := notify.UserChannel(d.UserID)
	r.notify(ctx, c, channel, notify.EventDisposalVerified, payload)
	if res.Balance != nil && res.Balance.LeveledUp() {
		r.logger.Info("level up", zap.String("user_id", d.UserID), zap.Int("level", res.Balance.NewLevel))
		r.notify(ctx, c, channel, notify.EventLevelUp, map[string]any{
			"oldLevel": res.Balance.OldLevel,
			"newLevel": res.Balance.NewLevel,
		})
	}
	return res, nil
}

func (r *routers) disposalStats(ctx context.Context, c *rpc.Context, _ *rpc.Empty) (any, error) {
	return r.Disposals.StatsForUser(ctx, c.UserID())
}
