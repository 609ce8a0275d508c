package routers

import (
	"context"
	"strings"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/reports"
	"github.com/marcus-qen/ecoscan/internal/rpc"
)

type createReportInput struct {
	BinID       string   `json:"binId" validate:"omitempty,uuid"`
	Type        string   `json:"type" validate:"required,oneof=BIN_FULL BIN_DAMAGED ILLEGAL_DUMPING OTHER"`
	Description string   `json:"description" validate:"required,min=10,max=1000"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

func (in *createReportInput) Normalize() {
	in.Description = strings.TrimSpace(in.Description)
}

type reportListInput struct {
	Page
	Status string `json:"status" validate:"omitempty,oneof=OPEN IN_PROGRESS RESOLVED DISMISSED"`
	Type   string `json:"type" validate:"omitempty,oneof=BIN_FULL BIN_DAMAGED ILLEGAL_DUMPING OTHER"`
}

type reportStatusInput struct {
	ID     string `json:"id" validate:"required,uuid"`
	Status string `json:"status" validate:"required,oneof=OPEN IN_PROGRESS RESOLVED DISMISSED"`
}

func (r *routers) reportProcedures() []*rpc.Procedure {
	managers := rpc.Chain{rpc.WasteManagerOrAbove}
	return []*rpc.Procedure{
		rpc.Mutation("report.create", rpc.Authenticated, r.reportCreate),
		rpc.Query("report.myReports", rpc.Authenticated, r.reportMine),
		rpc.Query("report.list", managers, r.reportList),
		rpc.Mutation("report.updateStatus", managers, r.reportUpdateStatus),
		rpc.Mutation("report.delete", rpc.Chain{rpc.AdminOnly}, r.reportDelete),
	}
}

func (r *routers) reportCreate(ctx context.Context, c *rpc.Context, in *createReportInput) (any, error) {
	if in.BinID != "" {
		if _, err := r.Bins.Get(ctx, in.BinID); err != nil {
			return nil, err
		}
	}
	rep, err := r.Reports.Create(ctx, &reports.Report{
		UserID:      c.UserID(),
		BinID:       in.BinID,
		Type:        in.Type,
		Description: in.Description,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
	})
	if err != nil {
		return nil, err
	}
	r.notify(ctx, c, notify.ChannelWasteManagers, notify.EventReportCreated, map[string]any{
		"reportId": rep.ID,
		"type":     rep.Type,
		"binId":    rep.BinID,
	})
	return rep, nil
}

func (r *routers) reportMine(ctx context.Context, c *rpc.Context, in *Page) (any, error) {
	list, err := r.Reports.ListByUser(ctx, c.UserID(), in.Limit, in.Offset)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []reports.Report{}
	}
	return list, nil
}

func (r *routers) reportList(ctx context.Context, _ *rpc.Context, in *reportListInput) (any, error) {
	list, total, err := r.Reports.List(ctx, reports.Filter{
		Status: in.Status,
		Type:   in.Type,
		Limit:  in.Limit,
		Offset: in.Offset,
	})
	if err != nil {
		return nil, err
	}
	return newList(list, total, in.Page), nil
}

func (r *routers) reportUpdateStatus(ctx context.Context, c *rpc.Context, in *reportStatusInput) (any, error) {
	rep, err := r.Reports.UpdateStatus(ctx, in.ID, in.Status, c.UserID())
	if err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventReportUpdated, Actor: c.UserID(), Target: rep.ID, Summary: rep.Status})
	r.notify(ctx, c, notify.UserChannel(rep.UserID), notify.EventReportUpdated, map[string]any{
		"reportId": rep.ID,
		"status":   rep.Status,
	})
	return rep, nil
}

func (r *routers) reportDelete(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	if err := r.Reports.Delete(ctx, in.ID); err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventReportDeleted, Actor: c.UserID(), Target: in.ID, Summary: "report deleted"})
	return map[string]any{"deleted": true, "id": in.ID}, nil
}
