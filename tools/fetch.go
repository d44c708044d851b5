package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/protocol"
)

// maxFetchBytes bounds how much of a response body the tool returns.
const maxFetchBytes = 1 << 20

// FetchURLTool implements the tool for fetching a URL over HTTP GET.
type FetchURLTool struct {
	allowedURLs []string
	client      *http.Client
}

func (t *FetchURLTool) Name() string { return "fetch_url" }
func (t *FetchURLTool) Description() string {
	if len(t.allowedURLs) == 0 {
		return "Fetches a URL over HTTP GET. No URLs are currently allowed. Args: url (string)."
	}

	allowedList := "Allowed URL wildcard patterns:\n"
	for _, pattern := range t.allowedURLs {
		allowedList += fmt.Sprintf("- %s\n", pattern)
	}

	return fmt.Sprintf("Fetches a URL over HTTP GET and returns the response body. Args: url (string).\n%s", allowedList)
}
func (t *FetchURLTool) Kind() protocol.ToolKind { return protocol.ToolKindFetch }

func (t *FetchURLTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url, ok := args["url"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'url' argument")
	}

	allowed, err := isURLAllowed(url, t.allowedURLs)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", errors.New("url '%s' does not match any allowed URL pattern", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrapf(err, "failed to build request for '%s'", url)
	}

	client := t.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch '%s'", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read response from '%s'", url)
	}
	if resp.StatusCode >= 400 {
		return "", errors.New("request to '%s' failed with status %s", url, resp.Status)
	}
	return string(body), nil
}
