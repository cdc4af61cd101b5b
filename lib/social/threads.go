package social

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bidwatch-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
)

const threadsApiUrl = "https://graph.threads.net/v1.0"

type ThreadsConfig struct {
	UserId      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

type Threads struct {
	// nil in dry-run mode
	http        *resty.Client
	userId      string
	accessToken string
}

func NewThreads(config ThreadsConfig) *Threads {
	if config.UserId == "" || config.AccessToken == "" {
		return &Threads{}
	}

	client := resty.New()
	client.SetBaseURL(threadsApiUrl)
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, "social/threads/http")

	return &Threads{
		http:        client,
		userId:      config.UserId,
		accessToken: config.AccessToken,
	}
}

func (t *Threads) Name() string { return "threads" }

func (t *Threads) SetBaseUrl(url string) {
	if t.http != nil {
		t.http.SetBaseURL(url)
	}
}

type threadsResponse struct {
	Id    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Publish runs the two-step Threads flow: create a media container
// for the text, then publish the container.
func (t *Threads) Publish(ctx context.Context, text string) (string, error) {
	if t.http == nil {
		return dryRunPublish(t.Name(), text)
	}

	containerId, err := t.call(ctx, fmt.Sprintf("/%s/threads", t.userId), map[string]string{
		"media_type": "TEXT",
		"text":       text,
	})
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	postId, err := t.call(ctx, fmt.Sprintf("/%s/threads_publish", t.userId), map[string]string{
		"creation_id": containerId,
	})
	if err != nil {
		return "", fmt.Errorf("publish container: %w", err)
	}
	return postId, nil
}

func (t *Threads) call(ctx context.Context, path string, params map[string]string) (string, error) {
	req := t.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", t.accessToken)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}

	res, err := req.Post(path)
	if err != nil {
		return "", err
	}

	var parsed threadsResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if res.IsError() {
		detail := res.Status()
		if err == nil && parsed.Error != nil {
			detail = parsed.Error.Message
		}
		return "", fmt.Errorf("threads api: %s", detail)
	}
	if err != nil {
		return "", fmt.Errorf("unexpected threads response: %w", err)
	}
	if parsed.Id == "" {
		return "", fmt.Errorf("threads response carried no id")
	}
	return parsed.Id, nil
}
