// Package routers registers the ecoscan procedures, grouped by resource,
// on an rpc.Router.
package routers

import (
	"context"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/bins"
	"github.com/marcus-qen/ecoscan/internal/campaigns"
	"github.com/marcus-qen/ecoscan/internal/disposals"
	"github.com/marcus-qen/ecoscan/internal/metrics"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/qrcode"
	"github.com/marcus-qen/ecoscan/internal/reports"
	"github.com/marcus-qen/ecoscan/internal/rewards"
	"github.com/marcus-qen/ecoscan/internal/rpc"
	"github.com/marcus-qen/ecoscan/internal/users"
	"go.uber.org/zap"
)

// Disconnector closes the live connections a user holds.
type Disconnector interface {
	DisconnectUser(userID string) int
}

// Deps are the stores and services the procedures run against.
type Deps struct {
	Users     *users.Store
	Realtime  Disconnector
	Bins      *bins.Store
	Disposals *disposals.Store
	Rewards   *rewards.Store
	Reports   *reports.Store
	Campaigns *campaigns.Store
	QR        *qrcode.Signer
	Notifier  *notify.Dispatcher
	Audit     *audit.Store
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type routers struct {
	Deps
	logger *zap.Logger
}

// Register adds every procedure and the domain error mappings to rt.
func Register(rt *rpc.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := &routers{Deps: d, logger: d.Logger.Named("routers")}

	rt.MapErrors(errorMappers()...)
	rt.Register(r.userProcedures()...)
	rt.Register(r.binProcedures()...)
	rt.Register(r.disposalProcedures()...)
	rt.Register(r.rewardProcedures()...)
	rt.Register(r.reportProcedures()...)
	rt.Register(r.campaignProcedures()...)
}

func errorMappers() []rpc.ErrorMapper {
	return []rpc.ErrorMapper{
		rpc.SentinelMapper(rpc.CodeNotFound,
			users.ErrUserNotFound,
			bins.ErrBinNotFound,
			disposals.ErrDisposalNotFound,
			rewards.ErrRewardNotFound,
			rewards.ErrRedemptionNotFound,
			reports.ErrReportNotFound,
			campaigns.ErrCampaignNotFound,
		),
		rpc.SentinelMapper(rpc.CodeConflict,
			users.ErrEmailAlreadyUsed,
			users.ErrInsufficientPoints,
			bins.ErrBinInUse,
			disposals.ErrAlreadyProcessed,
			rewards.ErrRewardUnavailable,
			rewards.ErrOutOfStock,
			rewards.ErrRewardInUse,
			rewards.ErrRedemptionClosed,
		),
		rpc.SentinelMapper(rpc.CodeBadRequest,
			users.ErrInvalidRole,
			qrcode.ErrInvalidCode,
			campaigns.ErrInvalidWindow,
		),
	}
}

// notify publishes best-effort and turns a failed delivery into a
// response warning.
func (r *routers) notify(ctx context.Context, c *rpc.Context, channel, event string, payload any) {
	out := r.Notifier.Notify(ctx, channel, event, payload)
	if !out.Delivered() {
		c.Warn(out.Warning())
	}
}

func (r *routers) audit(evt audit.Event) {
	if r.Audit != nil {
		r.Audit.Record(evt)
	}
}

// Page is the common pagination input.
type Page struct {
	Limit  int `json:"limit" validate:"omitempty,min=1,max=100"`
	Offset int `json:"offset" validate:"omitempty,min=0"`
}

// IDInput addresses one entity.
type IDInput struct {
	ID string `json:"id" validate:"required,uuid"`
}

type listResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func newList[T any](items []T, total int, p Page) listResult[T] {
	if items == nil {
		items = []T{}
	}
	return listResult[T]{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}
}
