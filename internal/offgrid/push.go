package offgrid

import (
	"encoding/json"
	"log"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type PushData struct {
	URL string `json:"url"`
}

// PushPayload is whatever the push transport delivered. Every field is
// optional; defaults fill the gaps.
type PushPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Data    PushData             `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// NotificationDescriptor is fully populated before it reaches the renderer;
// the renderer never sees a missing field.
type NotificationDescriptor struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Vibrate []int
	Data    PushData
	Actions []NotificationAction
}

// NotificationRenderer hands a descriptor to whatever shows notifications.
type NotificationRenderer interface {
	Show(NotificationDescriptor) error
}

type logRenderer struct{}

func (logRenderer) Show(n NotificationDescriptor) error {
	log.Printf("notification: %q %q -> %s", n.Title, n.Body, n.Data.URL)
	return nil
}

const actionClose = "close"

type pushDefaults struct {
	Title string
	Body  string
	Icon  string
	Badge string
}

type pushRouter struct {
	defaults pushDefaults
	renderer NotificationRenderer
	hub      *clientHub
}

func newPushRouter(defaults pushDefaults, renderer NotificationRenderer, hub *clientHub) *pushRouter {
	if renderer == nil {
		renderer = logRenderer{}
	}
	return &pushRouter{defaults: defaults, renderer: renderer, hub: hub}
}

// OnPush parses a raw push payload and renders it. A malformed payload is
// treated as empty, never a crash.
func (p *pushRouter) OnPush(raw []byte) NotificationDescriptor {
	var payload PushPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			log.Printf("push: malformed payload, using defaults: %v", err)
			payload = PushPayload{}
		}
	}
	n := p.describe(payload)
	if err := p.renderer.Show(n); err != nil {
		log.Printf("push: render: %v", err)
	}
	return n
}

func (p *pushRouter) describe(payload PushPayload) NotificationDescriptor {
	n := NotificationDescriptor{
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    payload.Icon,
		Badge:   payload.Badge,
		Vibrate: []int{200, 100, 200},
		Data:    payload.Data,
		Actions: payload.Actions,
	}
	if n.Title == "" {
		n.Title = p.defaults.Title
	}
	if n.Body == "" {
		n.Body = p.defaults.Body
	}
	if n.Icon == "" {
		n.Icon = p.defaults.Icon
	}
	if n.Badge == "" {
		n.Badge = p.defaults.Badge
	}
	if n.Data.URL == "" {
		n.Data.URL = "/"
	}
	if len(n.Actions) == 0 {
		n.Actions = []NotificationAction{
			{Action: "open", Title: "Open"},
			{Action: actionClose, Title: "Close"},
		}
	}
	return n
}

// OnNotificationClick routes a click after the notification is closed. The
// close action is a no-op; anything else focuses the window already at the
// target URL, or opens a new one. Focusing first avoids stacking duplicate
// windows for the same destination.
func (p *pushRouter) OnNotificationClick(action string, data PushData) {
	if action == actionClose {
		return
	}
	target := data.URL
	if target == "" {
		target = "/"
	}
	if id, ok := p.hub.FindByURL(target); ok {
		p.hub.Focus(id)
		return
	}
	p.hub.OpenWindow(target)
}
