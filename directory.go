package pttflow

import (
	"context"
	"net/url"
)

// Group is a PTT talk group.
type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members,omitempty"`
	Owner       string   `json:"owner,omitempty"`
}

// User is a member of the PTT directory.
type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Email  string   `json:"email,omitempty"`
	Status string   `json:"status,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Verbosity values accepted by Engage.
const (
	VerbosityActive  = "active"
	VerbosityPassive = "passive"
)

type engageRequest struct {
	GroupIDs  []string `json:"groupIds"`
	Verbosity string   `json:"verbosity,omitempty"`
}

// Engage joins the given groups so their events are delivered on the stream.
func (c *Client) Engage(ctx context.Context, a *Auth, groupIDs []string, verbosity string) error {
	if len(groupIDs) == 0 {
		return NewConfigError("Groups", "", "at least one group is required")
	}
	if verbosity == "" {
		verbosity = VerbosityActive
	}
	if err := c.doJSON(ctx, "POST", "/engage", token(a), engageRequest{GroupIDs: groupIDs, Verbosity: verbosity}, nil); err != nil {
		return err
	}
	c.logDebug("engaged", map[string]any{"groups": groupIDs})
	return nil
}

// LookupGroup fetches one group by id.
func (c *Client) LookupGroup(ctx context.Context, a *Auth, id string) (*Group, error) {
	if id == "" {
		return nil, NewConfigError("GroupID", "", "cannot be empty")
	}
	var g Group
	if err := c.doJSON(ctx, "GET", "/groups/"+url.PathEscape(id), token(a), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// LookupUser fetches one user by id.
func (c *Client) LookupUser(ctx context.Context, a *Auth, id string) (*User, error) {
	if id == "" {
		return nil, NewConfigError("UserID", "", "cannot be empty")
	}
	var u User
	if err := c.doJSON(ctx, "GET", "/users/"+url.PathEscape(id), token(a), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UserGroups lists the groups a user belongs to. An empty userID means the
// authenticated user.
func (c *Client) UserGroups(ctx context.Context, a *Auth, userID string) ([]Group, error) {
	if userID == "" && a != nil {
		userID = a.UserID
	}
	if userID == "" {
		return nil, NewConfigError("UserID", "", "cannot be empty")
	}
	var groups []Group
	if err := c.doJSON(ctx, "GET", "/users/"+url.PathEscape(userID)+"/groups", token(a), nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func token(a *Auth) string {
	if a == nil {
		return ""
	}
	return a.Token
}
