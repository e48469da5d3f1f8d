package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"time"
)

const (
	readyAttempts = 20
	readyInterval = 250 * time.Millisecond
)

// browserMethod is one way of launching the default browser
type browserMethod struct {
	name string
	cmd  string
	args []string
}

// browserMethods returns the launchers to try on goos, in order
func browserMethods(goos, url string) []browserMethod {
	switch goos {
	case "windows":
		return []browserMethod{
			{name: "rundll32", cmd: "rundll32", args: []string{"url.dll,FileProtocolHandler", url}},
			{name: "start_command", cmd: "cmd", args: []string{"/c", "start", "", url}},
			{name: "explorer", cmd: "explorer", args: []string{url}},
		}
	case "darwin":
		return []browserMethod{
			{name: "open", cmd: "open", args: []string{url}},
		}
	default:
		return []browserMethod{
			{name: "xdg-open", cmd: "xdg-open", args: []string{url}},
			{name: "sensible-browser", cmd: "sensible-browser", args: []string{url}},
		}
	}
}

// openBrowser starts the first launcher that exists. The launched process
// is not waited on.
func openBrowser(ctx context.Context, url string, logger *slog.Logger) error {
	var lastErr error
	for _, m := range browserMethods(runtime.GOOS, url) {
		if _, err := exec.LookPath(m.cmd); err != nil {
			lastErr = err
			continue
		}
		cmd := exec.CommandContext(context.WithoutCancel(ctx), m.cmd, m.args...)
		if err := cmd.Start(); err != nil {
			lastErr = err
			logger.WarnContext(ctx, "browser launcher failed",
				slog.String("method", m.name),
				slog.String("error", err.Error()))
			continue
		}
		go func() { _ = cmd.Wait() }()
		logger.InfoContext(ctx, "browser opened", slog.String("method", m.name), slog.String("url", url))
		return nil
	}
	return fmt.Errorf("no browser launcher available: %w", lastErr)
}

// openWhenReady polls /healthz and opens the status page once it answers
func (a *Application) openWhenReady(ctx context.Context, baseURL string) {
	client := &http.Client{Timeout: time.Second}
	healthURL := baseURL + "/healthz"

	for i := 0; i < readyAttempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(readyInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}

		target := baseURL + "/api/session"
		if err := openBrowser(ctx, target, a.Logger); err != nil {
			a.Logger.WarnContext(ctx, "could not open browser", slog.String("error", err.Error()))
			fmt.Printf("CutClip status API is running at %s\n", target)
		}
		return
	}
	a.Logger.WarnContext(ctx, "status api did not become ready, not opening browser")
}
