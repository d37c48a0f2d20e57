package curio

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/chriskillpack/curio/appraiser"
	"github.com/chriskillpack/curio/imaging"
	"github.com/chriskillpack/curio/internal/llama"
	"github.com/chriskillpack/curio/internal/openai"
	"github.com/google/uuid"
)

type InitOptions struct {
	OpenAIKey           string
	OpenAIModel         string
	OpenAIBaseURL       string
	OpenAIRatePerMinute int

	LlamaServer string
	LlamaSeed   int

	// Provider, when set, is used in place of a built-in backend.
	Provider appraiser.Provider

	DBPath    string // request ledger, empty disables it
	ResizeDir string // where resized images are saved, empty disables

	Logger     *log.Logger  // if nil logging is discarded
	HttpClient *http.Client // if nil uses http.DefaultClient
}

type Curio struct {
	composer *appraiser.Composer
	db       *DB
	diag     *imaging.DiagnosticWriter
	logger   *log.Logger
}

func Init(ctx context.Context, cio InitOptions) (*Curio, error) {
	c := &Curio{logger: cio.Logger}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}

	httpClient := cio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var n int
	if cio.OpenAIKey != "" {
		n++
	}
	if cio.LlamaServer != "" {
		n++
	}
	if cio.Provider != nil {
		n++
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("no backend selected")
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("multiple backends selected, only one allowed")
	}

	var p appraiser.Provider
	if cio.Provider != nil {
		p = cio.Provider
	} else if cio.OpenAIKey != "" {
		p = openai.New(openai.Options{
			APIKey:        cio.OpenAIKey,
			Model:         cio.OpenAIModel,
			BaseURL:       cio.OpenAIBaseURL,
			RatePerMinute: cio.OpenAIRatePerMinute,
			HttpClient:    httpClient,
		})
	} else if cio.LlamaServer != "" {
		p = llama.New(cio.LlamaServer, cio.LlamaSeed, httpClient)
	}
	c.composer = appraiser.New(p, appraiser.WithLogger(c.logger))

	if cio.DBPath != "" {
		db, err := NewDB(ctx, cio.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening request ledger - %w", err)
		}
		c.db = db
	}
	if cio.ResizeDir != "" {
		c.diag = &imaging.DiagnosticWriter{Dir: cio.ResizeDir}
	}

	return c, nil
}

func (c *Curio) Close() {
	if c.db != nil {
		c.db.Close()
	}
}

// Backend returns the provider analysis requests are sent to.
func (c *Curio) Backend() appraiser.Provider { return c.composer.Provider() }

// DB returns the request ledger, or nil when it is disabled.
func (c *Curio) DB() *DB { return c.db }

type requestIDKey struct{}

// WithRequestID attaches id to ctx, Analyze records it in the ledger.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id attached by WithRequestID, or a fresh one.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Analyze submits images for assessment and always returns text: the model's
// answer or a description of what failed. Images are sent as uploaded, they
// are not normalized on this path.
func (c *Curio) Analyze(ctx context.Context, endpoint string, images [][]byte) string {
	rec := &RequestRecord{
		Id:         RequestID(ctx),
		Endpoint:   endpoint,
		Backend:    c.Backend().Name(),
		Model:      c.Backend().Model(),
		ImageCount: len(images),
		StartedAt:  time.Now(),
	}
	for _, img := range images {
		rec.ImageBytes += len(img)
	}

	text, err := c.composer.Submit(ctx, images)
	rec.Duration = time.Since(rec.StartedAt)
	rec.Outcome = appraiser.Kind(err)
	if err != nil {
		rec.ErrorText = sql.NullString{String: err.Error(), Valid: true}
		c.logger.Printf("[%s] %s failed after %s - %s", rec.Id, endpoint, rec.Duration.Round(time.Millisecond), err)
		text = appraiser.Render(err)
	} else {
		c.logger.Printf("[%s] %s analysed %d images in %s", rec.Id, endpoint, rec.ImageCount, rec.Duration.Round(time.Millisecond))
	}

	if c.db != nil {
		// The row is kept even if the caller has gone away
		if err := c.db.RecordRequest(context.WithoutCancel(ctx), rec); err != nil {
			c.logger.Printf("[%s] %s", rec.Id, err)
		}
	}

	return text
}

type ResizeResult struct {
	Width, Height int
	Resized       bool   // false when the input was already within bounds
	OutputPath    string // set only when the image was saved
	Data          []byte
}

// Resize normalizes data and, when a resize directory is configured, saves
// the result there under a name derived from filename.
func (c *Curio) Resize(ctx context.Context, filename string, data []byte) (*ResizeResult, error) {
	srcW, srcH, err := imaging.Dimensions(data)
	if err != nil {
		return nil, err
	}
	out, err := imaging.Normalize(data)
	if err != nil {
		return nil, err
	}

	w, h, err := imaging.Dimensions(out)
	if err != nil {
		return nil, err
	}
	res := &ResizeResult{
		Width:   w,
		Height:  h,
		Resized: w != srcW || h != srcH,
		Data:    out,
	}

	if c.diag != nil {
		path, err := c.diag.Write(filename, out)
		if err != nil {
			return nil, err
		}
		res.OutputPath = path
		c.logger.Printf("[%s] saved %dx%d image to %s", RequestID(ctx), w, h, path)
	}

	return res, nil
}
