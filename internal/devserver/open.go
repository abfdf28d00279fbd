package devserver

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Opener launches url in a browser
type Opener func(ctx context.Context, url string) error

// SystemOpener uses the platform's default handler for urls
func SystemOpener(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}

// OpenBrowser waits until the server at baseURL answers its status endpoint
// and then opens it.
func OpenBrowser(ctx context.Context, baseURL string, open Opener) error {
	if open == nil {
		open = SystemOpener
	}
	statusURL := strings.TrimSuffix(baseURL, "/") + StatusPath

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(10*time.Second))
	if err != nil {
		return fmt.Errorf("server did not become ready: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("url", baseURL).Msg("Opening browser")
	return open(ctx, baseURL)
}
