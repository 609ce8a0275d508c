package routers

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/points"
	"github.com/marcus-qen/ecoscan/internal/rpc"
	"github.com/marcus-qen/ecoscan/internal/users"
	"go.uber.org/zap"
)

type profile struct {
	*users.User
	Progress points.Progress `json:"progress"`
}

type updateProfileInput struct {
	Name  string `json:"name" validate:"required,min=1,max=100"`
	Image string `json:"image" validate:"omitempty,url,max=500"`
}

func (in *updateProfileInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Image = strings.TrimSpace(in.Image)
}

type leaderboardInput struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=100"`
}

type leaderboardEntry struct {
	Rank   int    `json:"rank"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image,omitempty"`
	Points int    `json:"points"`
	Level  int    `json:"level"`
}

type userListInput struct {
	Page
	Role   string `json:"role" validate:"omitempty,oneof=USER WASTE_MANAGER ADMIN SUPERADMIN"`
	Search string `json:"search" validate:"max=100"`
}

type updateRoleInput struct {
	UserID string `json:"userId" validate:"required,uuid"`
	Role   string `json:"role" validate:"required,oneof=USER WASTE_MANAGER ADMIN SUPERADMIN"`
}

type setActiveInput struct {
	UserID string `json:"userId" validate:"required,uuid"`
	Active *bool  `json:"active" validate:"required"`
}

func (r *routers) userProcedures() []*rpc.Procedure {
	return []*rpc.Procedure{
		rpc.Query("user.me", rpc.Authenticated, r.userMe),
		rpc.Mutation("user.updateProfile", rpc.Authenticated, r.userUpdateProfile),
		rpc.Query("user.leaderboard", rpc.Public, r.userLeaderboard),
		rpc.Query("user.list", rpc.Chain{rpc.AdminOnly}, r.userList),
		rpc.Query("user.getById", rpc.Chain{rpc.AdminOnly}, r.userGetByID),
		rpc.Mutation("user.updateRole", rpc.Chain{rpc.AdminOnly}, r.userUpdateRole),
		rpc.Mutation("user.setActive", rpc.Chain{rpc.AdminOnly}, r.userSetActive),
		rpc.Mutation("user.delete", rpc.Chain{rpc.AdminOnly}, r.userDelete),
		rpc.Query("user.stats", rpc.Chain{rpc.AdminOnly}, r.userStats),
	}
}

func (r *routers) userMe(ctx context.Context, c *rpc.Context, _ *rpc.Empty) (any, error) {
	u, err := r.Users.Get(ctx, c.UserID())
	if err != nil {
		return nil, err
	}
	return profile{User: u, Progress: points.ProgressFor(u.Points)}, nil
}

func (r *routers) userUpdateProfile(ctx context.Context, c *rpc.Context, in *updateProfileInput) (any, error) {
	u, err := r.Users.UpdateProfile(ctx, c.UserID(), in.Name, in.Image)
	if err != nil {
		return nil, err
	}
	return profile{User: u, Progress: points.ProgressFor(u.Points)}, nil
}

func (r *routers) userLeaderboard(ctx context.Context, _ *rpc.Context, in *leaderboardInput) (any, error) {
	top, err := r.Users.Leaderboard(ctx, in.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]leaderboardEntry, len(top))
	for i, u := range top {
		out[i] = leaderboardEntry{Rank: i + 1, ID: u.ID, Name: u.Name, Image: u.Image, Points: u.Points, Level: u.Level}
	}
	return out, nil
}

func (r *routers) userList(ctx context.Context, _ *rpc.Context, in *userListInput) (any, error) {
	list, total, err := r.Users.List(ctx, users.ListFilter{
		Role:   auth.Role(in.Role),
		Search: in.Search,
		Limit:  in.Limit,
		Offset: in.Offset,
	})
	if err != nil {
		return nil, err
	}
	return newList(list, total, in.Page), nil
}

func (r *routers) userGetByID(ctx context.Context, _ *rpc.Context, in *IDInput) (any, error) {
	u, err := r.Users.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return profile{User: u, Progress: points.ProgressFor(u.Points)}, nil
}

// manageable loads the target and checks the caller may manage its role.
func (r *routers) manageable(ctx context.Context, c *rpc.Context, targetID string) (*users.User, error) {
	if targetID == c.UserID() {
		return nil, rpc.Forbidden("cannot change your own account")
	}
	target, err := r.Users.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !auth.CanManageUser(c.Role(), target.Role) {
		return nil, rpc.Forbidden(fmt.Sprintf("%s cannot manage %s accounts", c.Role(), target.Role))
	}
	return target, nil
}

// disconnect drops the user's websocket clients. The store has already
// deleted their sessions, so nothing they hold can authenticate again.
func (r *routers) disconnect(userID string) {
	if r.Realtime == nil {
		return
	}
	n := r.Realtime.DisconnectUser(userID)
	r.logger.Info("sessions revoked", zap.String("user_id", userID), zap.Int("connections", n))
}

func (r *routers) userUpdateRole(ctx context.Context, c *rpc.Context, in *updateRoleInput) (any, error) {
	target, err := r.manageable(ctx, c, in.UserID)
	if err != nil {
		return nil, err
	}
	role := auth.Role(in.Role)
	if !auth.CanManageUser(c.Role(), role) {
		return nil, rpc.Forbidden(fmt.Sprintf("%s cannot grant %s", c.Role(), role))
	}
	if role == target.Role {
		return target, nil
	}

	if err := r.Users.UpdateRole(ctx, target.ID, role); err != nil {
		return nil, err
	}
	r.disconnect(target.ID)
	r.audit(audit.Event{
		Type:    audit.EventRoleChanged,
		Actor:   c.UserID(),
		Target:  target.ID,
		Summary: fmt.Sprintf("role %s -> %s", target.Role, role),
	})
	r.notify(ctx, c, notify.UserChannel(target.ID), notify.EventRoleChanged, map[string]any{
		"userId":  target.ID,
		"oldRole": target.Role,
		"newRole": role,
	})

	target.Role = role
	return target, nil
}

func (r *routers) userSetActive(ctx context.Context, c *rpc.Context, in *setActiveInput) (any, error) {
	target, err := r.manageable(ctx, c, in.UserID)
	if err != nil {
		return nil, err
	}
	active := *in.Active
	if err := r.Users.SetActive(ctx, target.ID, active); err != nil {
		return nil, err
	}
	typ := audit.EventUserActivated
	if !active {
		r.disconnect(target.ID)
		typ = audit.EventUserDeactivated
	}
	r.audit(audit.Event{Type: typ, Actor: c.UserID(), Target: target.ID, Summary: target.Email})

	target.Active = active
	return target, nil
}

func (r *routers) userDelete(ctx context.Context, c *rpc.Context, in *IDInput) (any, error) {
	target, err := r.manageable(ctx, c, in.ID)
	if err != nil {
		return nil, err
	}
	if err := r.Users.Delete(ctx, target.ID); err != nil {
		return nil, err
	}
	r.disconnect(target.ID)
	r.audit(audit.Event{Type: audit.EventUserDeleted, Actor: c.UserID(), Target: target.ID, Summary: target.Email})
	return map[string]any{"deleted": true, "id": target.ID}, nil
}

func (r *routers) userStats(ctx context.Context, _ *rpc.Context, _ *rpc.Empty) (any, error) {
	return r.Users.Stats(ctx)
}
