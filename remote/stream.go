package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"meetsync/session"
)

// StreamJob subscribes to the server-sent-events stream of a job and
// pushes every decoded update into updates. connected fires once, after
// the stream is established, so the caller can relax its poll fallback.
//
// Returns nil when the stream ends after a terminal phase, otherwise a
// classified *Error. The caller owns reconnect decisions; this function
// performs a single subscription attempt.
func (c *Client) StreamJob(ctx context.Context, jobID string, connected func(), updates chan<- session.SyncJob) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.http.BaseURL+"/jobs/"+jobID+"/stream", nil)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if tok := c.http.Token; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	// resty's underlying client carries the configured transport, but
	// its per-request timeout would kill a long-lived stream.
	httpClient := &http.Client{Transport: c.http.GetClient().Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, resp.Status)
	}
	if connected != nil {
		connected()
	}

	terminal := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var payload jobStatusResponse
			if err := json.Unmarshal([]byte(data.String()), &payload); err != nil {
				c.logger.Warnf("Dropping malformed SSE event for job %s: %v", jobID, err)
				data.Reset()
				continue
			}
			data.Reset()
			update := session.SyncJob{
				JobID:      jobID,
				Phase:      session.Phase(payload.Phase),
				Progress:   payload.Progress,
				Message:    payload.Message,
				ETASeconds: payload.ETASeconds,
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				return nil
			}
			if update.Phase.Terminal() {
				terminal = true
			}
		}
		if terminal {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !terminal {
		return transportError(err)
	}
	return nil
}
