package llama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/curio/appraiser"
)

const (
	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions.
USER:`
	imageSuffix = `
ASSISTANT:`

	// llama.cpp refers to uploaded images by id from the prompt, [img-10]
	// etc.
	firstImageID = 10
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_probs":           0,
	"stop":              []string{"</s>", "ASSISTANT:", "USER:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
	"stream":            false,
}

type llama struct {
	srvAddr string
	seed    int

	client *http.Client
}

var _ appraiser.Provider = &llama{}

func New(srvAddr string, seed int, httpClient *http.Client) *llama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &llama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		seed:    seed,
		client:  httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

// Model is whatever the server was started with, it is not selectable per
// request.
func (l *llama) Model() string { return "llama.cpp" }

func (l *llama) IsHealthy() bool {
	resp, err := l.client.Get(l.srvAddr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (l *llama) Complete(ctx context.Context, req appraiser.Request) (string, error) {
	prompt, images, err := buildPrompt(req)
	if err != nil {
		return "", err
	}

	return l.sendRequest(ctx, prompt, jsonmap{
		"image_data":  images,
		"n_predict":   req.MaxTokens,
		"temperature": req.Temperature,
	})
}

// buildPrompt flattens req into a llama.cpp prompt. Each image is referenced
// by an [img-N] tag ahead of the instruction, in request order.
func buildPrompt(req appraiser.Request) (string, []jsonmap, error) {
	var (
		tags   strings.Builder
		text   strings.Builder
		images = []jsonmap{}
	)
	for _, p := range req.Parts {
		switch p.Type {
		case appraiser.PartText:
			text.WriteString(p.Text)
		case appraiser.PartImage:
			data, ok := appraiser.InlineData(p.ImageURL)
			if !ok {
				return "", nil, fmt.Errorf("image %d is not an inline reference", len(images)+1)
			}
			id := firstImageID + len(images)
			fmt.Fprintf(&tags, "[img-%d]", id)
			images = append(images, jsonmap{"data": data, "id": id})
		}
	}

	return imagePreamble + tags.String() + text.String() + imageSuffix, images, nil
}

func (l *llama) sendRequest(ctx context.Context, prompt string, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["seed"] = l.seed

	buf := bytes.NewBuffer(make([]byte, 0, 2_000_000)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(&data)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llama server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	respbody := struct {
		Content string
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&respbody); err != nil {
		return "", fmt.Errorf("decoding llama response - %w", err)
	}

	return strings.TrimLeft(respbody.Content, " "), nil
}
