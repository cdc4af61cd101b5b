package social

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bidwatch-backend/lib/telemetry"

	"github.com/dghubble/oauth1"
	"github.com/go-resty/resty/v2"
)

const twitterApiUrl = "https://api.twitter.com/2"

type TwitterConfig struct {
	ApiKey            string `json:"api_key"`
	ApiSecret         string `json:"api_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
}

func (c TwitterConfig) complete() bool {
	return c.ApiKey != "" && c.ApiSecret != "" &&
		c.AccessToken != "" && c.AccessTokenSecret != ""
}

type Twitter struct {
	// nil in dry-run mode
	http *resty.Client
}

// NewTwitter builds the X/Twitter adapter. The v2 create-tweet
// endpoint requires OAuth1 user-context signing, which is delegated
// to an oauth1 transport under the resty client. Incomplete
// credentials yield a dry-run adapter.
func NewTwitter(config TwitterConfig) *Twitter {
	if !config.complete() {
		return &Twitter{}
	}

	oauthConfig := oauth1.NewConfig(config.ApiKey, config.ApiSecret)
	token := oauth1.NewToken(config.AccessToken, config.AccessTokenSecret)

	client := resty.NewWithClient(oauthConfig.Client(oauth1.NoContext, token))
	client.SetBaseURL(twitterApiUrl)
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, "social/twitter/http")

	return &Twitter{http: client}
}

func (t *Twitter) Name() string { return "twitter" }

func (t *Twitter) SetBaseUrl(url string) {
	if t.http != nil {
		t.http.SetBaseURL(url)
	}
}

type tweetResponse struct {
	Data struct {
		Id string `json:"id"`
	} `json:"data"`
	Detail string `json:"detail"`
}

func (t *Twitter) Publish(ctx context.Context, text string) (string, error) {
	if t.http == nil {
		return dryRunPublish(t.Name(), text)
	}

	res, err := t.http.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(map[string]string{"text": text}).
		Post("/tweets")
	if err != nil {
		return "", err
	}

	var parsed tweetResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if res.IsError() {
		detail := res.Status()
		if err == nil && parsed.Detail != "" {
			detail = parsed.Detail
		}
		return "", fmt.Errorf("create tweet failed: %s", detail)
	}
	if err != nil {
		return "", fmt.Errorf("unexpected create tweet response: %w", err)
	}
	if parsed.Data.Id == "" {
		return "", fmt.Errorf("create tweet response carried no id")
	}
	return parsed.Data.Id, nil
}
