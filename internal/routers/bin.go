package routers

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/bins"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/rpc"
)

type binListInput struct {
	Page
	WasteType string `json:"wasteType" validate:"omitempty,oneof=GENERAL RECYCLABLE ORGANIC HAZARDOUS ELECTRONIC"`
	Status    string `json:"status" validate:"omitempty,oneof=ACTIVE FULL MAINTENANCE INACTIVE"`
}

type nearbyInput struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	RadiusKm  float64  `json:"radiusKm" validate:"omitempty,gte=0.1,lte=50"`
	Limit     int      `json:"limit" validate:"omitempty,min=1,max=100"`
}

type createBinInput struct {
	Name      string   `json:"name" validate:"required,min=1,max=100"`
	Location  string   `json:"location" validate:"max=200"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	WasteType string   `json:"wasteType" validate:"required,oneof=GENERAL RECYCLABLE ORGANIC HAZARDOUS ELECTRONIC"`
	Capacity  int      `json:"capacity" validate:"required,min=1,max=10000"`
}

func (in *createBinInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
}

type updateBinInput struct {
	ID        string   `json:"id" validate:"required,uuid"`
	Name      *string  `json:"name" validate:"omitempty,min=1,max=100"`
	Location  *string  `json:"location" validate:"omitempty,max=200"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	WasteType *string  `json:"wasteType" validate:"omitempty,oneof=GENERAL RECYCLABLE ORGANIC HAZARDOUS ELECTRONIC"`
	Capacity  *int     `json:"capacity" validate:"omitempty,min=1,max=10000"`
	Status    *string  `json:"status" validate:"omitempty,oneof=ACTIVE FULL MAINTENANCE INACTIVE"`
}

type fillLevelInput struct {
	ID        string `json:"id" validate:"required,uuid"`
	FillLevel *int   `json:"fillLevel" validate:"required,min=0,max=100"`
}

func (r *routers) binProcedures() []*rpc.Procedure {
	managers := rpc.Chain{rpc.WasteManagerOrAbove}
	return []*rpc.Procedure{
		rpc.Query("wasteBin.list", rpc.Public, r.binList),
		rpc.Query("wasteBin.getById", rpc.Public, r.binGet),
		rpc.Query("wasteBin.nearby", rpc.Public, r.binNearby),
		rpc.Mutation("wasteBin.create", managers, r.binCreate),
		rpc.Mutation("wasteBin.update", managers, r.binUpdate),
		rpc.Mutation("wasteBin.updateFillLevel", managers, r.binUpdateFillLevel),
		rpc.Mutation("wasteBin.regenerateQRCode", rpc.Chain{rpc.AdminOnly}, r.binRegenerateQR),
		rpc.Mutation("wasteBin.delete", rpc.Chain{rpc.AdminOnly}, r.binDelete),
	}
}

// binView strips the QR payload for callers below WASTE_MANAGER. A code
// read from a listing must not stand in for scanning the bin.
func binView(c *rpc.Context, b bins.Bin) bins.Bin {
	if c.Role().Rank() < auth.RoleWasteManager.Rank() {
		b.QRCode = ""
	}
	return b
}

func binViews(c *rpc.Context, list []bins.Bin) []bins.Bin {
	out := make([]bins.Bin, len(list))
	for i, b := range list {
		out[i] = binView(c, b)
	}
	return out
}

func (r *routers) binList(ctx context.Context, c *rpc.Context, in *binListInput) (any, error) {
	list, total, err := r.Bins.List(ctx, bins.Filter{
		WasteType: in.WasteType,
		Status:    in.Status,
		Limit:     in.Limit,
		Offset:    in.Offset,
	})
	if err != nil {
		return nil, err
	}
	return newList(binViews(c, list), total, in.Page), nil
}

func (r *routers) binGet(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	b, err := r.Bins.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return binView(c, *b), nil
}

func (r *routers) binNearby(ctx context.Context, c *rpc.Context, in *nearbyInput) (any, error) {
	radius := in.RadiusKm
	if radius == 0 {
		radius = 5
	}
	found, err := r.Bins.Nearby(ctx, *in.Latitude, *in.Longitude, radius, in.Limit)
	if err != nil {
		return nil, err
	}
	return binViews(c, found), nil
}

func (r *routers) binCreate(ctx context.Context, _ *rpc.Context, in *createBinInput) (any, error) {
	id := bins.NewID()
	code, err := r.QR.Sign(id)
	if err != nil {
		return nil, err
	}
	return r.Bins.Create(ctx, &bins.Bin{
		ID:        id,
		Name:      in.Name,
		Location:  in.Location,
		Latitude:  *in.Latitude,
		Longitude: *in.Longitude,
		WasteType: in.WasteType,
		Capacity:  in.Capacity,
		QRCode:    code,
	})
}

func (r *routers) binUpdate(ctx context.Context, _ *rpc.Context, in *updateBinInput) (any, error) {
	return r.Bins.Update(ctx, in.ID, bins.Update{
		Name:      in.Name,
		Location:  in.Location,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		WasteType: in.WasteType,
		Capacity:  in.Capacity,
		Status:    in.Status,
	})
}

func (r *routers) binUpdateFillLevel(ctx context.Context, c *rpc.Context, in *fillLevelInput) (any, error) {
	b, becameFull, err := r.Bins.UpdateFillLevel(ctx, in.ID, *in.FillLevel)
	if err != nil {
		return nil, err
	}
	if becameFull {
		r.notify(ctx, c, notify.ChannelWasteManagers, notify.EventBinFull, map[string]any{
			"binId":     b.ID,
			"name":      b.Name,
			"location":  b.Location,
			"fillLevel": b.FillLevel,
		})
	}
	return b, nil
}

func (r *routers) binRegenerateQR(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	code, err := r.QR.Sign(in.ID)
	if err != nil {
		return nil, err
	}
	if err := r.Bins.SetQRCode(ctx, in.ID, code); err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventBinQRRegenerated, Actor: c.UserID(), Target: in.ID, Summary: "qr code regenerated"})
	return r.Bins.Get(ctx, in.ID)
}

func (r *routers) binDelete(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	if err := r.Bins.Delete(ctx, in.ID); err != nil {
		return nil, err
	}
	r.audit(audit.Event{Type: audit.EventBinDeleted, Actor: c.UserID(), Target: in.ID, Summary: fmt.Sprintf("bin %s deleted", in.ID)})
	return map[string]any{"deleted": true, "id": in.ID}, nil
}
