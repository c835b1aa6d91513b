package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"

	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/store"
	logx "github.com/speed-chat/server/pkg/logger"
)

const (
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserDeleted         = "user.deleted"
	EventOrganizationCreated = "organization.created"
	EventOrganizationDeleted = "organization.deleted"
)

// ClerkStore is what webhook events write to.
type ClerkStore interface {
	UpsertUser(ctx context.Context, u store.User) error
	DeleteUser(ctx context.Context, id string) error
	CreateOrganization(ctx context.Context, o store.Organization) error
	DeleteOrganization(ctx context.Context, id string) error
}

type ClerkEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type clerkUser struct {
	ID             string  `json:"id"`
	FirstName      *string `json:"first_name"`
	LastName       *string `json:"last_name"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (u clerkUser) name() string {
	var first, last string
	if u.FirstName != nil {
		first = *u.FirstName
	}
	if u.LastName != nil {
		last = *u.LastName
	}
	return strings.TrimSpace(first + " " + last)
}

func (u clerkUser) email() string {
	if len(u.EmailAddresses) == 0 {
		return ""
	}
	return u.EmailAddresses[0].EmailAddress
}

type clerkOrganization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
}

// deletedObject has a loosely typed id; Clerk sends null for some deletions.
type deletedObject struct {
	ID any `json:"id"`
}

// ClerkWebhook verifies Svix-signed Clerk events and mirrors them into the store.
type ClerkWebhook struct {
	wh    *svix.Webhook
	store ClerkStore
}

func NewClerkWebhook(secret string, st ClerkStore) (*ClerkWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("CLERK_WEBHOOK_SIGNING_SECRET is not configured")
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("clerk webhook secret: %w", err)
	}
	return &ClerkWebhook{wh: wh, store: st}, nil
}

// Verify checks the svix-id, svix-timestamp and svix-signature headers
// against payload and decodes the event.
func (c *ClerkWebhook) Verify(payload []byte, headers http.Header) (*ClerkEvent, error) {
	if headers.Get("svix-id") == "" || headers.Get("svix-timestamp") == "" || headers.Get("svix-signature") == "" {
		return nil, errx.BadRequest("Error occurred -- no svix headers")
	}
	if err := c.wh.Verify(payload, headers); err != nil {
		return nil, errx.New(err, http.StatusBadRequest, "Error occurred")
	}
	var evt ClerkEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, errx.New(err, http.StatusBadRequest, "Error occurred")
	}
	return &evt, nil
}

// Handle applies one verified event. Unknown event types are ignored.
func (c *ClerkWebhook) Handle(ctx context.Context, evt *ClerkEvent) error {
	switch evt.Type {
	case EventUserCreated, EventUserUpdated:
		var u clerkUser
		if err := json.Unmarshal(evt.Data, &u); err != nil {
			return errx.New(err, http.StatusBadRequest, "invalid user payload")
		}
		if u.ID == "" {
			return errx.BadRequest("invalid user payload")
		}
		return c.store.UpsertUser(ctx, store.User{ID: u.ID, Name: u.name(), Email: u.email()})

	case EventUserDeleted:
		id, ok := deletedID(evt.Data)
		if !ok {
			logx.Error().RawJSON("data", evt.Data).Msg("Invalid user ID for deletion")
			return nil
		}
		return c.store.DeleteUser(ctx, id)

	case EventOrganizationCreated:
		var o clerkOrganization
		if err := json.Unmarshal(evt.Data, &o); err != nil {
			return errx.New(err, http.StatusBadRequest, "invalid organization payload")
		}
		return c.store.CreateOrganization(ctx, store.Organization{ID: o.ID, Name: o.Name, UserID: o.CreatedBy})

	case EventOrganizationDeleted:
		id, ok := deletedID(evt.Data)
		if !ok {
			logx.Error().RawJSON("data", evt.Data).Msg("Invalid organization ID for deletion")
			return nil
		}
		return c.store.DeleteOrganization(ctx, id)

	default:
		logx.Debug().Str("type", evt.Type).Msg("Ignoring clerk event")
		return nil
	}
}

func deletedID(data json.RawMessage) (string, bool) {
	var d deletedObject
	if err := json.Unmarshal(data, &d); err != nil {
		return "", false
	}
	id, ok := d.ID.(string)
	return id, ok && id != ""
}
