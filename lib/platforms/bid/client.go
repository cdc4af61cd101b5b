// Package bid is a scraping client for the CBF daily bulletin at
// bid.cbf.com.br. Every query endpoint sits behind the same captcha
// plus a CSRF token that the server hands out on the homepage and
// rotates at will through response headers.
package bid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"time"

	"bidwatch-backend/lib/challenge"
	"bidwatch-backend/lib/ratelimit"
	"bidwatch-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/go-resty/resty/v2"
)

var tracer = otel.Tracer("platforms/bid")

const csrfHeader = "X-CSRF-TOKEN"

type ClientOptions struct {
	// defaults to the production site
	BaseUrl string
	// search filters: state and club code, default to Fortaleza EC
	UF       string
	ClubCode string
	// every outgoing request is admitted through this governor
	// when set, since all endpoints share the per-minute budget
	Governor *ratelimit.Governor
}

type Client struct {
	BaseUrl  *url.URL
	http     *resty.Client
	uf       string
	clubCode string
	governor *ratelimit.Governor
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseUrl == "" {
		opts.BaseUrl = "https://bid.cbf.com.br/"
	}
	if opts.UF == "" {
		opts.UF = "CE"
	}
	if opts.ClubCode == "" {
		opts.ClubCode = "63238"
	}

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetHeader("accept-language", "pt-BR,pt;q=0.7")
	client.SetHeader("x-requested-with", "XMLHttpRequest")
	client.SetHeader("referer", opts.BaseUrl)
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "platforms/bid/http")

	return &Client{
		BaseUrl:  baseUrl,
		http:     client,
		uf:       opts.UF,
		clubCode: opts.ClubCode,
		governor: opts.Governor,
	}, nil
}

func (c *Client) admit() {
	if c.governor != nil {
		c.governor.Admit(1)
	}
}

// InitializeSession visits the homepage to collect session cookies
// and the CSRF token embedded in its meta tags.
func (c *Client) InitializeSession(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "initialize_session")
	defer span.End()

	c.admit()
	res, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch homepage")
		return err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return fmt.Errorf("homepage returned %s", res.Status())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse homepage")
		return err
	}
	token := doc.Find(`meta[name="csrf-token"]`).AttrOr("content", "")
	if token == "" {
		// some variants of the page only set the token via the
		// captcha response headers, so this is not fatal
		span.AddEvent("no csrf token on homepage")
		return nil
	}

	c.http.SetHeader(csrfHeader, token)
	return nil
}

// FetchCaptcha returns the base64 payload of a fresh challenge
// image. The server occasionally rotates the CSRF token in this
// response; when it does, the new token replaces the session one.
func (c *Client) FetchCaptcha(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "fetch_captcha")
	defer span.End()

	c.admit()
	res, err := c.http.R().SetContext(ctx).Get("/get-captcha-base64")
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch captcha")
		return "", err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return "", fmt.Errorf("captcha endpoint returned %s", res.Status())
	}

	if rotated := res.Header().Get(csrfHeader); rotated != "" {
		span.AddEvent("csrf token rotated")
		c.http.SetHeader(csrfHeader, rotated)
	}

	return res.String(), nil
}

type searchEnvelope struct {
	Status   *bool            `json:"status"`
	Messages json.RawMessage  `json:"messages"`
	Objects  *json.RawMessage `json:"objects"`
}

// Search submits the solved captcha together with the configured
// filters for one bulletin date (DD/MM/YYYY). A rejected guess, an
// HTTP error or an unparseable body all come back wrapping
// challenge.ErrRejected; an empty result list is a successful
// outcome, not a rejection.
func (c *Client) Search(ctx context.Context, guess string, date string) ([]Contract, error) {
	ctx, span := tracer.Start(ctx, "search")
	defer span.End()

	c.admit()
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"data":         date,
			"uf":           c.uf,
			"codigo_clube": c.clubCode,
			"captcha":      guess,
		}).
		Post("/busca-json")
	if err != nil {
		span.SetStatus(codes.Error, "failed to post search")
		return nil, err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return nil, fmt.Errorf("%w: search returned %s", challenge.ErrRejected, res.Status())
	}

	return parseSearchBody(res.Body())
}

func parseSearchBody(body []byte) ([]Contract, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty search response", challenge.ErrRejected)
	}

	switch trimmed[0] {
	case '[':
		var list []Contract
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: unparseable search response: %v", challenge.ErrRejected, err)
		}
		if list == nil {
			list = []Contract{}
		}
		return list, nil
	case '{':
		var envelope searchEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: unparseable search response: %v", challenge.ErrRejected, err)
		}
		if envelope.Status != nil && !*envelope.Status {
			return nil, fmt.Errorf(
				"%w: search refused: %s",
				challenge.ErrRejected, string(envelope.Messages),
			)
		}
		if envelope.Objects != nil {
			var list []Contract
			if err := json.Unmarshal(*envelope.Objects, &list); err != nil {
				return nil, fmt.Errorf("%w: unparseable objects list: %v", challenge.ErrRejected, err)
			}
			if list == nil {
				list = []Contract{}
			}
			return list, nil
		}
		return nil, fmt.Errorf("%w: unrecognized search response shape", challenge.ErrRejected)
	default:
		return nil, fmt.Errorf("%w: non-json search response", challenge.ErrRejected)
	}
}

// AthleteHistory fetches the per-season participation history for
// one athlete; the endpoint sits behind the same captcha gate as the
// search. A null or unparseable payload wraps challenge.ErrRejected.
func (c *Client) AthleteHistory(ctx context.Context, athleteCode Code, guess string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "athlete_history")
	defer span.End()

	c.admit()
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"codigo_atleta": athleteCode.String(),
			"captcha":       guess,
		}).
		Post("/historico-atleta-json")
	if err != nil {
		span.SetStatus(codes.Error, "failed to post history lookup")
		return nil, err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return nil, fmt.Errorf("%w: history returned %s", challenge.ErrRejected, res.Status())
	}

	trimmed := bytes.TrimSpace(res.Body())
	if !json.Valid(trimmed) || len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty history response", challenge.ErrRejected)
	}

	var envelope searchEnvelope
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &envelope) == nil {
		if envelope.Status != nil && !*envelope.Status {
			return nil, fmt.Errorf(
				"%w: history refused: %s",
				challenge.ErrRejected, string(envelope.Messages),
			)
		}
	}

	return json.RawMessage(trimmed), nil
}
