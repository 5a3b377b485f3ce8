// Package notifier implements the level-filtered notification dispatcher
// named in spec.md §6/§7: operators register one or more `LEVELS=url`
// receivers (e.g. `ERROR,WARNING=https://hooks.example/...`), and the core
// calls Notify with a level tag; matching receivers get the message. It is
// built on nikoksr/notify, the only apprise-style multi-provider dispatch
// library anywhere in the example pack, wrapping a generic webhook
// Notifier since no bundled nikoksr/notify service package covers a plain
// HTTP POST target.
package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nikoksr/notify"
)

// Level is one of the tags named in spec.md §7.
type Level string

const (
	LevelError          Level = "ERROR"
	LevelWarning        Level = "WARNING"
	LevelInfo           Level = "INFO"
	LevelDebug          Level = "DEBUG"
	LevelExtraDebug     Level = "EXTRA_DEBUG"
	LevelWebsocketData  Level = "WEBSOCKET_DATA"
)

var allLevels = []Level{LevelError, LevelWarning, LevelInfo, LevelDebug, LevelExtraDebug, LevelWebsocketData}

// Dispatcher routes a message tagged with a Level to every receiver whose
// subscribed level set includes it.
type Dispatcher struct {
	routes []route
}

type route struct {
	levels map[Level]bool
	target *notify.Notify
}

// New builds a Dispatcher from repeated `--apprise-notifier` values, each
// of the form `LEVELS=url` (comma-separated levels, e.g.
// "ERROR,WARNING=https://hooks.example/webhook"). An empty specs slice
// yields a Dispatcher that silently drops every notification, matching
// spec.md §6's "none" default.
func New(specs []string) (*Dispatcher, error) {
	d := &Dispatcher{}
	for _, spec := range specs {
		idx := strings.IndexByte(spec, '=')
		if idx < 0 {
			return nil, fmt.Errorf("apprise-notifier: %q: expected LEVELS=url", spec)
		}
		levelPart, rawURL := spec[:idx], spec[idx+1:]

		levels, err := parseLevels(levelPart)
		if err != nil {
			return nil, fmt.Errorf("apprise-notifier: %q: %w", spec, err)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return nil, fmt.Errorf("apprise-notifier: %q: invalid url: %w", spec, err)
		}

		n := notify.New()
		n.UseServices(newWebhookService(rawURL))
		d.routes = append(d.routes, route{levels: levels, target: n})
	}
	return d, nil
}

func parseLevels(raw string) (map[Level]bool, error) {
	out := make(map[Level]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.ToUpper(part))
		if part == "" {
			continue
		}
		found := false
		for _, l := range allLevels {
			if string(l) == part {
				out[l] = true
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown level %q", part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no levels specified")
	}
	return out, nil
}

// Notify dispatches subject/message to every receiver subscribed to level.
// Delivery failures are discarded and never reach the caller; Notify never
// blocks the pipeline on a slow or unreachable receiver beyond ctx's
// deadline.
func (d *Dispatcher) Notify(ctx context.Context, level Level, subject, message string) {
	for _, r := range d.routes {
		if !r.levels[level] {
			continue
		}
		// Best-effort: a broken notifier must never fail the caller's
		// operation. Errors are swallowed here; callers that care about
		// delivery should use NotifyErr.
		_ = r.target.Send(ctx, subject, message)
	}
}

// NotifyErr is like Notify but returns the first delivery error, for
// callers (tests, health checks) that want to observe failures.
func (d *Dispatcher) NotifyErr(ctx context.Context, level Level, subject, message string) error {
	var firstErr error
	for _, r := range d.routes {
		if !r.levels[level] {
			continue
		}
		if err := r.target.Send(ctx, subject, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// webhookService implements notify.Notifier as a plain HTTP POST, the
// lowest common denominator for the many apprise-style endpoints (Slack
// incoming webhooks, generic JSON receivers, ntfy, etc.) spec.md's
// `LEVELS=url` syntax is meant to cover.
type webhookService struct {
	url    string
	client *http.Client
}

func newWebhookService(rawURL string) *webhookService {
	return &webhookService{url: rawURL, client: http.DefaultClient}
}

func (w *webhookService) Send(ctx context.Context, subject, message string) error {
	body := strings.NewReader(fmt.Sprintf("%s\n\n%s", subject, message))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: webhook %s: status %d", w.url, resp.StatusCode)
	}
	return nil
}
