package remote

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"meetsync/session"
)

// Client talks to the remote transcription/summarization service.
// Retries for transient and 5xx failures are handled inside resty,
// driven by the shared RetryPolicy; callers see either success or one
// classified *Error.
type Client struct {
	http   *resty.Client
	logger *zap.SugaredLogger
}

func NewClient(baseURL, authToken string, policy RetryPolicy, logger *zap.SugaredLogger) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(policy.MaxAttempts - 1).
		SetRetryWaitTime(policy.BaseDelay).
		SetRetryMaxWaitTime(policy.MaxDelay).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // transport-level: transient
			}
			return classifyStatus(r.StatusCode()) != KindRejected && r.IsError()
		})
	if authToken != "" {
		rc.SetAuthToken(authToken)
	}
	return &Client{http: rc, logger: logger}
}

type startSessionRequest struct {
	Title    string   `json:"title"`
	Language string   `json:"language"`
	Tags     []string `json:"tags,omitempty"`
	Scope    string   `json:"scope,omitempty"`
}

type startSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// StartSession registers a meeting and returns the remote session id.
func (c *Client) StartSession(ctx context.Context, title, language string, tags []string, scope string) (string, error) {
	var out startSessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(startSessionRequest{Title: title, Language: language, Tags: tags, Scope: scope}).
		SetResult(&out).
		Post("/sessions")
	if err := c.check(resp, err); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &Error{Kind: KindTransient, Msg: "empty sessionId in response"}
	}
	c.logger.Infof("Remote session registered: %s", out.SessionID)
	return out.SessionID, nil
}

type uploadResponse struct {
	UploadID string `json:"uploadId"`
}

// UploadChunk sends one audio artifact as multipart form data.
func (c *Client) UploadChunk(ctx context.Context, remoteID string, data []byte, sequence int, channel string) (string, error) {
	var out uploadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("bytes", fmt.Sprintf("%s-%03d.mp3", channel, sequence), bytes.NewReader(data)).
		SetFormData(map[string]string{
			"channel":  channel,
			"sequence": fmt.Sprintf("%d", sequence),
		}).
		SetResult(&out).
		Post("/sessions/" + remoteID + "/audio")
	if err := c.check(resp, err); err != nil {
		return "", err
	}
	c.logger.Infof("Uploaded %s artifact for %s (%d bytes, upload=%s)", channel, remoteID, len(data), out.UploadID)
	return out.UploadID, nil
}

type processResponse struct {
	JobID string `json:"jobId"`
}

// RequestProcessing asks the service to transcribe and summarize the
// uploaded audio; returns the job handle.
func (c *Client) RequestProcessing(ctx context.Context, remoteID string) (string, error) {
	var out processResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/sessions/" + remoteID + "/process")
	if err := c.check(resp, err); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", &Error{Kind: KindTransient, Msg: "empty jobId in response"}
	}
	return out.JobID, nil
}

type jobStatusResponse struct {
	Phase      string  `json:"phase"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message,omitempty"`
	ETASeconds float64 `json:"etaSeconds,omitempty"`
}

// GetJobStatus polls the processing job once.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*session.SyncJob, error) {
	var out jobStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/jobs/" + jobID + "/status")
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return &session.SyncJob{
		JobID:      jobID,
		Phase:      session.Phase(out.Phase),
		Progress:   out.Progress,
		Message:    out.Message,
		ETASeconds: out.ETASeconds,
	}, nil
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CancelJob requests cancellation; the caller must not mark anything
// canceled until the acknowledgment comes back.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, string, error) {
	var out cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/jobs/" + jobID + "/cancel")
	if err := c.check(resp, err); err != nil {
		return false, "", err
	}
	return out.Success, out.Message, nil
}

// DeleteAudio asks the service to drop the uploaded audio while keeping
// the processed transcript.
func (c *Client) DeleteAudio(ctx context.Context, remoteID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/sessions/" + remoteID + "/audio")
	return c.check(resp, err)
}

// DeleteSession removes the remote session entirely.
func (c *Client) DeleteSession(ctx context.Context, remoteID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/sessions/" + remoteID)
	return c.check(resp, err)
}

func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return transportError(err)
	}
	if resp.IsError() {
		return statusError(resp.StatusCode(), resp.String())
	}
	return nil
}
