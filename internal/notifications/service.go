package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rendermill/internal/config"
)

const userAgent = "Rendermill/0.1.0"

// Service defines the notification surface exposed to the render commands.
type Service interface {
	NotifyRenderStarted(ctx context.Context, project string, frames, chunks int) error
	NotifyRenderCompleted(ctx context.Context, project string, frames int, elapsed time.Duration) error
	NotifyRenderFailed(ctx context.Context, project, reason string) error
	NotifyRenderAborted(ctx context.Context, project string) error
	NotifyError(ctx context.Context, err error, contextLabel string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		sendRenders: cfg.Notifications.Renders,
		sendErrors:  cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	sendRenders bool
	sendErrors  bool
}

func (n *ntfyService) NotifyRenderStarted(ctx context.Context, project string, frames, chunks int) error {
	if !n.sendRenders {
		return nil
	}
	data := payload{
		title:   "Rendermill - Render Started",
		message: fmt.Sprintf("Started rendering %s: %d frames in %d chunks", strings.TrimSpace(project), frames, chunks),
		tags:    []string{"rendermill", "render", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRenderCompleted(ctx context.Context, project string, frames int, elapsed time.Duration) error {
	if !n.sendRenders {
		return nil
	}
	data := payload{
		title:   "Rendermill - Render Complete",
		message: fmt.Sprintf("Finished %s: %d frames in %s", strings.TrimSpace(project), frames, elapsed.Round(time.Second)),
		tags:    []string{"rendermill", "render", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRenderFailed(ctx context.Context, project, reason string) error {
	if !n.sendErrors {
		return nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown failure"
	}
	data := payload{
		title:    "Rendermill - Render Failed",
		message:  fmt.Sprintf("Render of %s failed: %s", strings.TrimSpace(project), reason),
		tags:     []string{"rendermill", "render", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRenderAborted(ctx context.Context, project string) error {
	if !n.sendRenders {
		return nil
	}
	data := payload{
		title:   "Rendermill - Render Aborted",
		message: fmt.Sprintf("Render of %s was aborted", strings.TrimSpace(project)),
		tags:    []string{"rendermill", "render", "aborted"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.sendErrors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Rendermill - Error",
		message:  builder.String(),
		tags:     []string{"rendermill", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Rendermill - Test",
		message:  "Notification system test",
		tags:     []string{"rendermill", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRenderStarted(context.Context, string, int, int) error             { return nil }
func (noopService) NotifyRenderCompleted(context.Context, string, int, time.Duration) error { return nil }
func (noopService) NotifyRenderFailed(context.Context, string, string) error                { return nil }
func (noopService) NotifyRenderAborted(context.Context, string) error                       { return nil }
func (noopService) NotifyError(context.Context, error, string) error                        { return nil }
func (noopService) TestNotification(context.Context) error                                  { return nil }
