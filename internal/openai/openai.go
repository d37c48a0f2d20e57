package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chriskillpack/curio/appraiser"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type Options struct {
	APIKey  string
	Model   string // defaults to appraiser.DefaultModel
	BaseURL string // optional, for compatible endpoints and tests

	// RatePerMinute caps outbound requests. Zero disables the limiter.
	RatePerMinute int

	HttpClient *http.Client // if nil uses http.DefaultClient
}

type openai struct {
	oac   oagc.Client
	model string
	rl    *rateLimiter
}

var _ appraiser.Provider = &openai{}

func New(opts Options) *openai {
	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := opts.Model
	if model == "" {
		model = appraiser.DefaultModel
	}

	ropts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(httpClient),
		// A failed call is reported once, never retried
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}

	o := &openai{
		oac:   oagc.NewClient(ropts...),
		model: model,
	}
	if opts.RatePerMinute > 0 {
		o.rl = newRateLimiter(opts.RatePerMinute, time.Minute)
	}
	return o
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

func (o *openai) IsHealthy() bool {
	// The hosted API has no cheap unauthenticated probe
	return true
}

func (o *openai) Complete(ctx context.Context, req appraiser.Request) (string, error) {
	// Rate limit use of the OpenAI API
	if o.rl != nil {
		if err := o.rl.Acquire(ctx); err != nil {
			return "", err
		}
	}

	resp, err := o.oac.Chat.Completions.New(ctx, chatParams(req))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return resp.Choices[0].Message.Content, nil
}

// chatParams converts req into a single user message with one content part
// per request part, preserving order.
func chatParams(req appraiser.Request) oagc.ChatCompletionNewParams {
	parts := make([]oagc.ChatCompletionContentPartUnionParam, 0, len(req.Parts))
	for _, p := range req.Parts {
		switch p.Type {
		case appraiser.PartText:
			parts = append(parts, oagc.TextContentPart(p.Text))
		case appraiser.PartImage:
			parts = append(parts, oagc.ImageContentPart(oagc.ChatCompletionContentPartImageImageURLParam{
				URL: p.ImageURL,
			}))
		}
	}

	return oagc.ChatCompletionNewParams{
		Model:       oagc.ChatModel(req.Model),
		Messages:    []oagc.ChatCompletionMessageParamUnion{oagc.UserMessage(parts)},
		MaxTokens:   oagc.Int(int64(req.MaxTokens)),
		Temperature: oagc.Float(req.Temperature),
	}
}
