package planet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
)

// SubscriptionsClient calls the Subscriptions API.
type SubscriptionsClient struct {
	c *Client
}

// Subscription is a snapshot of a subscription. Source, Delivery and Tools are
// kept raw so that updates send them back unchanged.
type Subscription struct {
	ID       string             `json:"id,omitempty"`
	Name     string             `json:"name"`
	Status   SubscriptionStatus `json:"status,omitempty"`
	Created  string             `json:"created,omitempty"`
	Updated  string             `json:"updated,omitempty"`
	Source   json.RawMessage    `json:"source"`
	Delivery json.RawMessage    `json:"delivery,omitempty"`
	Tools    json.RawMessage    `json:"tools,omitempty"`
}

// SubscriptionResult is one delivery of a subscription.
type SubscriptionResult struct {
	ID         string         `json:"id"`
	Status     ResultStatus   `json:"status"`
	Created    string         `json:"created"`
	Updated    string         `json:"updated"`
	Completed  string         `json:"completed,omitempty"`
	ItemIDs    []string       `json:"item_ids,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Outputs    []string       `json:"outputs,omitempty"`
}

func (s Subscription) validate() error {
	if s.Name == "" {
		return errors.New("subscription name is required")
	}
	if len(s.Source) == 0 || string(s.Source) == "null" {
		return errors.New("subscription source is required")
	}
	return nil
}

// List returns a paginator over the caller's subscriptions, optionally
// restricted to one status.
func (s *SubscriptionsClient) List(ctx context.Context, status SubscriptionStatus, limit int) *pagination.Paginator {
	first := client.NewRequest(http.MethodGet, SubscriptionsPath+"/")
	if status != "" {
		if !status.Valid() {
			return pagination.Failed(client.NewError("list subscriptions", client.ErrInvalidArgument,
				fmt.Errorf("unknown subscription status %q", status)))
		}
		first = first.WithQuery(url.Values{"status": {string(status)}})
	}
	return s.c.paginate(first, "subscriptions", limit)
}

// Get fetches a subscription.
func (s *SubscriptionsClient) Get(ctx context.Context, id string) (*Subscription, error) {
	eid, err := escapeID("subscription", id)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := s.c.get(ctx, SubscriptionsPath+"/"+eid, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Create submits a new subscription.
func (s *SubscriptionsClient) Create(ctx context.Context, sub Subscription) (*Subscription, error) {
	if err := sub.validate(); err != nil {
		return nil, client.NewError("create subscription", client.ErrInvalidArgument, err)
	}
	var created Subscription
	if err := s.c.send(ctx, &client.Request{Method: http.MethodPost, URL: SubscriptionsPath + "/", Body: sub}, &created); err != nil {
		return nil, err
	}
	s.c.logger.Info().Str("subscription_id", created.ID).Msg("Subscription created")
	return &created, nil
}

// Update replaces the definition of a subscription.
func (s *SubscriptionsClient) Update(ctx context.Context, id string, sub Subscription) (*Subscription, error) {
	eid, err := escapeID("subscription", id)
	if err != nil {
		return nil, err
	}
	if err := sub.validate(); err != nil {
		return nil, client.NewError("update subscription", client.ErrInvalidArgument, err)
	}
	// The server owns these fields.
	sub.ID, sub.Status, sub.Created, sub.Updated = "", "", "", ""

	resp, err := s.c.session.Put(ctx, SubscriptionsPath+"/"+eid, sub)
	if err != nil {
		return nil, err
	}
	var updated Subscription
	if err := resp.Decode(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Cancel cancels a subscription. The server answers with no body.
func (s *SubscriptionsClient) Cancel(ctx context.Context, id string) error {
	eid, err := escapeID("subscription", id)
	if err != nil {
		return err
	}
	return s.c.send(ctx, client.NewRequest(http.MethodPost, SubscriptionsPath+"/"+eid+"/cancel"), nil)
}

// Results returns a paginator over the deliveries of a subscription,
// optionally restricted to one status.
func (s *SubscriptionsClient) Results(ctx context.Context, id string, status ResultStatus, limit int) *pagination.Paginator {
	eid, err := escapeID("subscription", id)
	if err != nil {
		return pagination.Failed(err)
	}
	first := client.NewRequest(http.MethodGet, SubscriptionsPath+"/"+eid+"/results")
	if status != "" {
		first = first.WithQuery(url.Values{"status": {string(status)}})
	}
	return s.c.paginate(first, "results", limit)
}
