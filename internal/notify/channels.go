// Package notify delivers realtime notifications to subscribers of named
// channels. Procedures publish after their primary mutation commits;
// delivery failures never fail the mutation.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus-qen/ecoscan/internal/events"
)

// Well-known channels. Per-user notifications use UserChannel.
const (
	ChannelWasteManagers = "waste-managers"
	ChannelAdmins        = "admins"
	ChannelBroadcast     = "broadcast"
)

// Events published by procedures.
const (
	EventBinFull          = "bin-full"
	EventDisposalCreated  = "disposal-created"
	EventDisposalVerified = "disposal-verified"
	EventLevelUp          = "level-up"
	EventRewardRedeemed   = "reward-redeemed"
	EventReportCreated    = "report-created"
	EventReportUpdated    = "report-updated"
	EventCampaignStarted  = "campaign-started"
	EventRoleChanged      = "role-changed"
)

// UserChannel is the private channel of one user.
func UserChannel(userID string) string { return "user-" + userID }

// Publisher delivers one event to one channel.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	// Backend names the transport for logs and metrics.
	Backend() string
}

// envelope is the wire body shared by the network backends.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return body, nil
}

// BusPublisher feeds the in-process event bus read by the websocket hub.
type BusPublisher struct {
	bus *events.Bus
}

// NewBusPublisher wraps bus.
func NewBusPublisher(bus *events.Bus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Backend() string { return "bus" }

func (p *BusPublisher) Publish(_ context.Context, channel, event string, payload any) error {
	p.bus.Publish(events.Event{Channel: channel, Name: event, Data: payload})
	return nil
}

// BackendError records which backend of a Multi failed.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string { return e.Backend + ": " + e.Err.Error() }
func (e *BackendError) Unwrap() error { return e.Err }

// Multi publishes to every backend and joins their failures. One failing
// backend does not stop the others.
type Multi []Publisher

func (m Multi) Backend() string { return "multi" }

func (m Multi) Publish(ctx context.Context, channel, event string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, event, payload); err != nil {
			errs = append(errs, &BackendError{Backend: p.Backend(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// failedBackends lists the backends named in err, falling back to the
// publisher's own name when err carries no BackendError.
func failedBackends(err error, fallback string) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var be *BackendError
		if errors.As(e, &be) {
			out = append(out, be.Backend)
		}
	}
	walk(err)
	if len(out) == 0 {
		out = append(out, fallback)
	}
	return out
}
