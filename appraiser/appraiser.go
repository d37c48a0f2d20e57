package appraiser

import (
	"context"
	"encoding/base64"
	"io"
	"log"
	"strings"
)

// Instruction is the fixed expert task sent ahead of every set of images.
const Instruction = `You are a world-class antiques and cultural relics appraiser. From the images, identify the object's type and use, its cultural origin (give strictly the single most probable culture), and its era. Judge authenticity from the patina, colour and craftsmanship of the object and give a probability from 0 to 100%. Write the summary of the style, the evidence for your judgement and the authenticity probability in Chinese.`

const (
	DefaultModel = "gpt-4o"

	MaxTokens   = 1500
	Temperature = 0.3

	// Every image is declared as JPEG to the model regardless of its real
	// format.
	imageURLPrefix = "data:image/jpeg;base64,"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// Part is one element of a multimodal request.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Request is a single chat-style completion request: the instruction text
// followed by one inline image per input image, in input order.
type Request struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Parts       []Part  `json:"parts"`
}

// Images returns the image parts of r in order.
func (r Request) Images() []Part {
	var imgs []Part
	for _, p := range r.Parts {
		if p.Type == PartImage {
			imgs = append(imgs, p)
		}
	}
	return imgs
}

// Provider answers a Request using a vision capable LLM.
type Provider interface {
	// Name returns the name of the backend, e.g. "openai" or "llama"
	Name() string

	// Model returns the model identifier requests are sent to.
	Model() string

	// Complete submits req and returns the text of the first response
	// choice. The provided ctx is used as the parent context for the call to
	// the LLM server.
	Complete(ctx context.Context, req Request) (string, error)

	// IsHealthy returns whether the LLM server is reachable.
	IsHealthy() bool
}

type Composer struct {
	provider Provider
	matcher  Matcher
	logger   *log.Logger
}

type Option func(*Composer)

// WithMatcher sets the similarity search consulted before each submission.
func WithMatcher(m Matcher) Option {
	return func(c *Composer) { c.matcher = m }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Composer) { c.logger = l }
}

func New(p Provider, opts ...Option) *Composer {
	c := &Composer{
		provider: p,
		matcher:  NoMatch{},
		logger:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Composer) Provider() Provider { return c.provider }

// Compose builds the request for images. An empty list produces a request
// carrying only the instruction. The output depends only on the input, so
// identical image lists always produce identical requests.
func (c *Composer) Compose(images [][]byte) (Request, error) {
	req := Request{
		Model:       c.provider.Model(),
		MaxTokens:   MaxTokens,
		Temperature: Temperature,
		Parts:       make([]Part, 0, len(images)+1),
	}
	req.Parts = append(req.Parts, Part{Type: PartText, Text: Instruction})

	for i, img := range images {
		if len(img) == 0 {
			return Request{}, &UploadError{Index: i, Err: ErrEmptyImage}
		}
		req.Parts = append(req.Parts, Part{
			Type:     PartImage,
			ImageURL: DataURL(img),
		})
	}

	return req, nil
}

// Submit composes a request for images and sends it to the provider exactly
// once. Failures are returned as *UploadError or *ProviderError.
func (c *Composer) Submit(ctx context.Context, images [][]byte) (string, error) {
	req, err := c.Compose(images)
	if err != nil {
		return "", err
	}

	for i, img := range images {
		m, ok, err := c.matcher.FindSimilar(ctx, img)
		if err != nil {
			c.logger.Printf("similarity lookup for image %d failed - %s", i, err)
			continue
		}
		if ok {
			c.logger.Printf("image %d resembles %q (score %0.3f)", i, m.Label, m.Score)
		}
	}

	text, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", &ProviderError{Backend: c.provider.Name(), Err: err}
	}
	return text, nil
}

// Analyze returns the model's assessment of images. Any failure is returned
// as readable text in place of the assessment.
func (c *Composer) Analyze(ctx context.Context, images [][]byte) string {
	text, err := c.Submit(ctx, images)
	if err != nil {
		c.logger.Printf("analysis of %d images failed - %s", len(images), err)
		return Render(err)
	}
	return text
}

// AnalyzeOne is Analyze for a single image.
func (c *Composer) AnalyzeOne(ctx context.Context, image []byte) string {
	return c.Analyze(ctx, [][]byte{image})
}

// DataURL returns the inline image reference for data.
func DataURL(data []byte) string {
	return imageURLPrefix + base64.StdEncoding.EncodeToString(data)
}

// InlineData returns the base64 payload of an inline image reference produced
// by Compose.
func InlineData(url string) (string, bool) {
	return strings.CutPrefix(url, imageURLPrefix)
}
