package pttflow

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// SendEvent posts an event to a group. A missing ID is generated and the
// sender is stamped from the auth. The event as sent is returned.
func (c *Client) SendEvent(ctx context.Context, a *Auth, groupID string, e Event) (Event, error) {
	if ctx == nil {
		return e, NewSendError(e.EventType, e.ID, errors.New("context cannot be nil"))
	}
	if groupID == "" {
		return e, NewSendError(e.EventType, e.ID, NewConfigError("GroupID", "", "cannot be empty"))
	}
	if err := ValidateEvent(e); err != nil {
		return e, NewSendError(e.EventType, e.ID, err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS == 0 {
		e.TS = time.Now().UnixMilli()
	}
	if a != nil && e.Sender == "" {
		e.Sender = a.UserID
	}
	e.GroupID = groupID
	e.GroupIDs = nil

	err := c.doJSON(ctx, "POST", "/groups/"+url.PathEscape(groupID)+"/events", token(a), e, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e, NewSendError(e.EventType, e.ID, ErrSendTimeout)
		}
		return e, NewSendError(e.EventType, e.ID, err)
	}
	c.logDebug("event_sent", map[string]any{"type": e.EventType, "id": e.ID, "group": groupID})
	return e, nil
}

// SendPTT posts a voice clip, referenced by the media URL returned from UploadMedia.
func (c *Client) SendPTT(ctx context.Context, a *Auth, groupID, mediaURL string) (Event, error) {
	return c.SendEvent(ctx, a, groupID, Event{EventType: EventPTT, Media: mediaURL})
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, a *Auth, groupID, text string) (Event, error) {
	return c.SendEvent(ctx, a, groupID, Event{EventType: EventText, Text: text})
}

// SendUserStatus posts a presence/status update.
func (c *Client) SendUserStatus(ctx context.Context, a *Auth, groupID, status string) (Event, error) {
	return c.SendEvent(ctx, a, groupID, Event{EventType: EventUserStatus, Status: status})
}

// SendLocation posts a position report.
func (c *Client) SendLocation(ctx context.Context, a *Auth, groupID string, lat, lng float64) (Event, error) {
	return c.SendEvent(ctx, a, groupID, Event{EventType: EventLocation, Lat: Ptr(lat), Lng: Ptr(lng)})
}
