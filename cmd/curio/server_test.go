package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chriskillpack/curio"
	"github.com/chriskillpack/curio/appraiser"
)

type fakeProvider struct {
	reply string
	err   error

	calls int
	got   appraiser.Request
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Model() string   { return "fake-vision" }
func (f *fakeProvider) IsHealthy() bool { return true }

func (f *fakeProvider) Complete(ctx context.Context, req appraiser.Request) (string, error) {
	f.calls++
	f.got = req
	return f.reply, f.err
}

type testFile struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, files ...testFile) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(f.data)
	}
	// A non-file field so that an upload with no files is still multipart
	mw.WriteField("note", "test")
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf, mw.FormDataContentType()
}

func newTestServer(t *testing.T, fp *fakeProvider, opts curio.InitOptions, sopts ServerOptions) http.Handler {
	t.Helper()
	opts.Provider = fp
	c, err := curio.Init(t.Context(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	return NewServer(c, sopts, log.New(io.Discard, "", 0)).serveHandler()
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Response is not JSON: %s", err)
		}
	}
	return rec, body
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestAnalyzeEndpoints(t *testing.T) {
	for _, tc := range []struct{ path, field string }{
		{"/api/analyze", "images"},
		{"/analyze_multiple", "files"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			fp := &fakeProvider{reply: "A Roman oil lamp, 2nd century."}
			h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})

			body, ct := multipartBody(t,
				testFile{tc.field, "a.jpg", []byte("first")},
				testFile{tc.field, "b.png", []byte("second")},
				testFile{tc.field, "c.webp", []byte("third")},
			)
			req := httptest.NewRequest(http.MethodPost, tc.path, body)
			req.Header.Set("Content-Type", ct)

			rec, resp := do(t, h, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			if resp["result"] != fp.reply {
				t.Errorf("Unexpected result %v", resp["result"])
			}

			imgs := fp.got.Images()
			if expected, actual := 3, len(imgs); expected != actual {
				t.Fatalf("Expected %d image parts, got %d", expected, actual)
			}
			for i, want := range []string{"first", "second", "third"} {
				if imgs[i].ImageURL != appraiser.DataURL([]byte(want)) {
					t.Errorf("Image %d out of order", i)
				}
			}
		})
	}
}

func TestAnalyzeNoImages(t *testing.T) {
	for _, path := range []string{"/api/analyze", "/analyze_multiple", "/analyze_one"} {
		t.Run(path, func(t *testing.T) {
			fp := &fakeProvider{reply: "unused"}
			h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})

			body, ct := multipartBody(t)
			req := httptest.NewRequest(http.MethodPost, path, body)
			req.Header.Set("Content-Type", ct)

			rec, resp := do(t, h, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
			if resp["error"] != "no images uploaded" {
				t.Errorf("Unexpected error %v", resp["error"])
			}
			if fp.calls != 0 {
				t.Errorf("Expected no model call, got %d", fp.calls)
			}
		})
	}

	for _, path := range []string{"/api/analyze", "/analyze_multiple"} {
		t.Run("not multipart "+path, func(t *testing.T) {
			fp := &fakeProvider{}
			h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
			req.Header.Set("Content-Type", "application/json")

			rec, resp := do(t, h, req)
			if rec.Code != http.StatusBadRequest || resp["error"] != "no images uploaded" {
				t.Errorf("Unexpected response %d %v", rec.Code, resp)
			}
		})
	}
}

func TestAnalyzeProviderFailure(t *testing.T) {
	fp := &fakeProvider{err: io.ErrUnexpectedEOF}
	h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})

	body, ct := multipartBody(t,
		testFile{"files", "a.jpg", []byte("1")},
		testFile{"files", "b.jpg", []byte("2")},
		testFile{"files", "c.jpg", []byte("3")},
	)
	req := httptest.NewRequest(http.MethodPost, "/analyze_multiple", body)
	req.Header.Set("Content-Type", ct)

	rec, resp := do(t, h, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	result, _ := resp["result"].(string)
	if !strings.Contains(result, "unexpected EOF") {
		t.Errorf("Result %q does not name the cause", result)
	}
}

func TestAnalyzeOne(t *testing.T) {
	fp := &fakeProvider{reply: "ok"}
	h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})

	body, ct := multipartBody(t, testFile{"file", "a.jpg", []byte("only")})
	req := httptest.NewRequest(http.MethodPost, "/analyze_one", body)
	req.Header.Set("Content-Type", ct)

	rec, _ := do(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if expected, actual := 1, len(fp.got.Images()); expected != actual {
		t.Errorf("Expected %d image part, got %d", expected, actual)
	}
}

func TestAnalyzeOneRejectsExtraFiles(t *testing.T) {
	fp := &fakeProvider{reply: "unused"}
	h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})

	body, ct := multipartBody(t,
		testFile{"file", "a.jpg", []byte("one")},
		testFile{"file", "b.jpg", []byte("two")},
	)
	req := httptest.NewRequest(http.MethodPost, "/analyze_one", body)
	req.Header.Set("Content-Type", ct)

	rec, resp := do(t, h, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if resp["error"] != "only one image accepted" {
		t.Errorf("Unexpected error %v", resp["error"])
	}
	if fp.calls != 0 {
		t.Errorf("Expected no model call, got %d", fp.calls)
	}
}

func TestUploadTooLarge(t *testing.T) {
	for _, tc := range []struct{ path, field string }{
		{"/api/analyze", "images"},
		{"/analyze_multiple", "files"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			fp := &fakeProvider{}
			h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{MaxUploadBytes: 1024})

			body, ct := multipartBody(t, testFile{tc.field, "big.jpg", bytes.Repeat([]byte("x"), 4096)})
			req := httptest.NewRequest(http.MethodPost, tc.path, body)
			req.Header.Set("Content-Type", ct)

			rec, resp := do(t, h, req)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("Expected 413, got %d (%v)", rec.Code, resp)
			}
			if msg, _ := resp["error"].(string); msg == "" {
				t.Errorf("Expected an error message, got %v", resp)
			}
			if _, ok := resp["result"]; ok {
				t.Errorf("Read failure reported as a result: %v", resp)
			}
			if fp.calls != 0 {
				t.Errorf("Expected no model call")
			}
		})
	}
}

func TestAnalyzeEmptyFile(t *testing.T) {
	for _, tc := range []struct{ path, field string }{
		{"/api/analyze", "images"},
		{"/analyze_multiple", "files"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			fp := &fakeProvider{reply: "unused"}
			h := newTestServer(t, fp, curio.InitOptions{}, ServerOptions{})

			body, ct := multipartBody(t,
				testFile{tc.field, "a.jpg", []byte("x")},
				testFile{tc.field, "b.jpg", nil},
			)
			req := httptest.NewRequest(http.MethodPost, tc.path, body)
			req.Header.Set("Content-Type", ct)

			rec, resp := do(t, h, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
			if resp["error"] != "image 2 - image is empty" {
				t.Errorf("Unexpected error %v", resp["error"])
			}
			if _, ok := resp["result"]; ok {
				t.Errorf("Empty upload reported as a result: %v", resp)
			}
			if fp.calls != 0 {
				t.Errorf("Expected no model call, got %d", fp.calls)
			}
		})
	}
}

func TestResizeEndpoint(t *testing.T) {
	dir := t.TempDir()
	h := newTestServer(t, &fakeProvider{}, curio.InitOptions{ResizeDir: dir}, ServerOptions{})

	t.Run("resized and saved", func(t *testing.T) {
		body, ct := multipartBody(t, testFile{"file", "vase.png", pngOf(t, 3000, 1500)})
		req := httptest.NewRequest(http.MethodPost, "/resize_image", body)
		req.Header.Set("Content-Type", ct)

		rec, resp := do(t, h, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d (%v)", rec.Code, resp)
		}
		if resp["width"] != float64(1024) || resp["height"] != float64(512) {
			t.Errorf("Unexpected dimensions %v x %v", resp["width"], resp["height"])
		}
		path, _ := resp["output_path"].(string)
		if !strings.HasSuffix(path, "resized_vase.jpg") {
			t.Errorf("Unexpected output path %q", path)
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		body, ct := multipartBody(t, testFile{"file", "notes.txt", []byte("hello")})
		req := httptest.NewRequest(http.MethodPost, "/resize_image", body)
		req.Header.Set("Content-Type", ct)

		rec, resp := do(t, h, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
		if msg, _ := resp["error"].(string); !strings.Contains(msg, "decode") {
			t.Errorf("Unexpected error %q", msg)
		}
	})
}

func TestRequestsEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newTestServer(t, &fakeProvider{}, curio.InitOptions{}, ServerOptions{})
		rec, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/api/requests", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	t.Run("lists analyses", func(t *testing.T) {
		fp := &fakeProvider{reply: "secret appraisal text"}
		h := newTestServer(t, fp, curio.InitOptions{DBPath: ":memory:"}, ServerOptions{})

		body, ct := multipartBody(t, testFile{"images", "a.jpg", []byte("abc")})
		req := httptest.NewRequest(http.MethodPost, "/api/analyze", body)
		req.Header.Set("Content-Type", ct)
		do(t, h, req)

		rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, "/api/requests?limit=5", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		reqs, _ := resp["requests"].([]any)
		if expected, actual := 1, len(reqs); expected != actual {
			t.Fatalf("Expected %d request, got %d", expected, actual)
		}
		row := reqs[0].(map[string]any)
		if row["endpoint"] != "/api/analyze" || row["outcome"] != "ok" || row["image_count"] != float64(1) {
			t.Errorf("Unexpected row %v", row)
		}
		if strings.Contains(rec.Body.String(), "secret appraisal text") {
			t.Errorf("Analysis text leaked into the ledger")
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		h := newTestServer(t, &fakeProvider{}, curio.InitOptions{DBPath: ":memory:"}, ServerOptions{})
		rec, _ := do(t, h, httptest.NewRequest(http.MethodGet, "/api/requests?limit=zero", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestRootAndHealth(t *testing.T) {
	h := newTestServer(t, &fakeProvider{}, curio.InitOptions{}, ServerOptions{})

	rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || resp["msg"] == nil {
		t.Errorf("Unexpected root response %d %v", rec.Code, resp)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Errorf("Expected a request id header")
	}

	rec, resp = do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || resp["backend"] != "fake" {
		t.Errorf("Unexpected health response %d %v", rec.Code, resp)
	}

	rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, &fakeProvider{}, curio.InitOptions{}, ServerOptions{AllowedOrigins: []string{"https://app.example"}})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/analyze", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type")

		rec, _ := do(t, h, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("Expected 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Errorf("Unexpected allow origin %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
			t.Errorf("Unexpected allow headers %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example")

		rec, _ := do(t, h, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Expected no CORS headers, got %q", got)
		}
	})
}
