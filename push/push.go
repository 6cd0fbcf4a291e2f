// Package push shapes push message payloads into notifications and runs
// the actions a user can take on them.
package push

import (
	"context"
	"fmt"
	"strings"
)

const (
	ActionView  = "view"
	ActionClose = "close"
)

// Options are the fixed parts of every notification.
type Options struct {
	Title string `yaml:"title"`
	Icon  string `yaml:"icon"`
	Badge string `yaml:"badge"`
	// Vibration pattern in milliseconds, alternating vibration and pause.
	Vibrate []int `yaml:"vibrate"`
	// Body shown when the push carries no text.
	DefaultBody string `yaml:"defaultBody"`
	// URL opened by the view action when the payload does not carry one.
	DefaultURL string `yaml:"defaultUrl"`
	ViewIcon   string `yaml:"viewIcon"`
	CloseIcon  string `yaml:"closeIcon"`
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Data struct {
	URL string `json:"url"`
}

type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Vibrate []int    `json:"vibrate,omitempty"`
	Actions []Action `json:"actions"`
	Data    Data     `json:"data"`
}

// FromPayload builds the notification for a plain text push payload.
// An empty payload gets the default body. The target URL travels in the notification data.
func FromPayload(opts Options, text, url string) Notification {
	body := strings.TrimSpace(text)
	if body == "" {
		body = opts.DefaultBody
	}
	if url == "" {
		url = opts.DefaultURL
	}
	return Notification{
		Title:   opts.Title,
		Body:    body,
		Icon:    opts.Icon,
		Badge:   opts.Badge,
		Vibrate: opts.Vibrate,
		Actions: []Action{
			{Action: ActionView, Title: "View", Icon: opts.ViewIcon},
			{Action: ActionClose, Title: "Close", Icon: opts.CloseIcon},
		},
		Data: Data{URL: url},
	}
}

// WindowOpener opens a URL in a new client window.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// Click runs the action the user picked on a notification.
// A click on the notification body (empty action) counts as view.
func Click(ctx context.Context, n Notification, action string, opener WindowOpener) error {
	switch action {
	case ActionClose:
		return nil
	case ActionView, "":
		if n.Data.URL == "" {
			return nil
		}
		return opener.OpenWindow(ctx, n.Data.URL)
	default:
		return fmt.Errorf("unknown notification action %q", action)
	}
}
