package pagetext

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"event_spider/internal/config"
	"event_spider/internal/db"
	"event_spider/internal/models"
	"event_spider/internal/throttle"
	"event_spider/internal/workcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const festivalHTML = `<html><head><title>NC Pickle Festival</title></head><body>
<nav>Home | About</nav>
<article><h1>NC Pickle Festival</h1>
<p>The North Carolina Pickle Festival is held every April in Mount Olive, North Carolina.</p>
<p>It has run since 1987 and features pickle eating contests, live music and a car show.</p>
</article><script>var x = 1;</script></body></html>`

// TestHelperProcess is not a real test. It is re-executed as a fake fetcher
// or extractor subprocess.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("PAGETEXT_HELPER")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	switch mode {
	case "fetcher":
		fmt.Println("starting up")
		fmt.Println("Ready")
		scanner := bufio.NewScanner(os.Stdin)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for scanner.Scan() {
			parts := strings.SplitN(scanner.Text(), " ", 3)
			id, url, out := parts[0], parts[1], parts[2]
			wg.Add(1)
			go func() {
				defer wg.Done()
				var reply string
				switch {
				case strings.Contains(url, "missing"):
					reply = id + " 404 not found"
				case strings.Contains(url, "slow"):
					time.Sleep(50 * time.Millisecond)
					fallthrough
				default:
					_ = os.WriteFile(out, []byte(festivalHTML), 0o644)
					reply = id + " success"
				}
				mu.Lock()
				fmt.Println(reply)
				mu.Unlock()
			}()
		}
		wg.Wait()
	case "extractor":
		args := os.Args
		in, out := args[len(args)-2], args[len(args)-1]
		data, err := os.ReadFile(in)
		if err != nil || strings.Contains(string(data), "corrupt") {
			fmt.Fprintln(os.Stderr, "cannot parse input")
			os.Exit(3)
		}
		_ = os.WriteFile(out, []byte(strings.ToUpper(string(data))), 0o644)
	}
}

func helperCommand(mode string) (string, []string) {
	os.Setenv("PAGETEXT_HELPER", mode)
	return os.Args[0], []string{"-test.run=TestHelperProcess", "--"}
}

func newQueue(t *testing.T) *throttle.Queue {
	t.Helper()
	q := throttle.NewQueue("fetch", 0, 0)
	t.Cleanup(q.Close)
	return q
}

func TestProcessFetcher_CorrelatesOutOfOrderReplies(t *testing.T) {
	command, args := helperCommand("fetcher")
	defer os.Unsetenv("PAGETEXT_HELPER")

	f, err := StartProcessFetcher(context.Background(), command, args, "Ready", newQueue(t), nil)
	require.NoError(t, err)
	defer f.Close()

	dir := t.TempDir()
	var wg sync.WaitGroup
	errs := make([]error, 3)
	urls := []string{"https://slow.example.com", "https://fast.example.com", "https://missing.example.com"}
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			errs[i] = f.Fetch(context.Background(), u, filepath.Join(dir, fmt.Sprintf("%d.html", i)), 0)
		}(i, u)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	var fetchErr *FetchError
	require.ErrorAs(t, errs[2], &fetchErr)
	assert.Equal(t, "404", fetchErr.Status)
	assert.Equal(t, "not found", fetchErr.Detail)

	_, err = os.Stat(filepath.Join(dir, "0.html"))
	assert.NoError(t, err)
}

func TestProcessFetcher_RejectsURLWithSpaces(t *testing.T) {
	f := &ProcessFetcher{}
	err := f.Fetch(context.Background(), "https://a.org/with space", "/tmp/x", 0)
	assert.Error(t, err)
}

func TestCollyFetcher_SavesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			http.NotFound(w, r)
		case "/captcha":
			_, _ = w.Write([]byte("<html><body>Please complete the CAPTCHA</body></html>"))
		case "/challenge":
			_, _ = w.Write([]byte(`<html><head><title>Just a moment...</title></head><body><form id="challenge-form"></form></body></html>`))
		default:
			assert.Equal(t, "test-agent", r.UserAgent())
			_, _ = w.Write([]byte(festivalHTML))
		}
	}))
	defer server.Close()

	f := NewCollyFetcher("test-agent", 5*time.Second, newQueue(t), nil)
	out := filepath.Join(t.TempDir(), "page.html")

	require.NoError(t, f.Fetch(context.Background(), server.URL+"/festival", out, 0))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Mount Olive")

	assert.Error(t, f.Fetch(context.Background(), server.URL+"/gone", out, 0))
	assert.ErrorIs(t, f.Fetch(context.Background(), server.URL+"/captcha", out, 0), models.ErrBlockedContent)
	assert.ErrorIs(t, f.Fetch(context.Background(), server.URL+"/challenge", out, 0), models.ErrBlockedContent)
}

func TestCollyFetcher_KeepsPagesWithCaptchaWidgets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(festivalHTML, "</body>",
			`<div class="g-recaptcha" data-sitekey="x"></div><script src="https://www.google.com/recaptcha/api.js"></script></body>`, 1)))
	}))
	defer server.Close()

	f := NewCollyFetcher("test-agent", 5*time.Second, newQueue(t), nil)
	out := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, f.Fetch(context.Background(), server.URL+"/festival", out, 0))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Mount Olive")
}

func TestCollyFetcher_CancelAbortsDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	f := NewCollyFetcher("test-agent", time.Minute, newQueue(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := f.Fetch(ctx, server.URL+"/hang", filepath.Join(t.TempDir(), "page.html"), 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLooksLikeCaptcha(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"plain page", festivalHTML, false},
		{"challenge text", "<html><body>Please complete the CAPTCHA</body></html>", true},
		{"challenge title", "<html><head><title>Attention Required! | Cloudflare</title></head><body></body></html>", true},
		{"challenge form", `<html><body><div id="challenge-running"></div></body></html>`, true},
		{"widget script", `<html><body><p>Pickles</p><script src="https://www.google.com/recaptcha/api.js"></script></body></html>`, false},
		{"long page mentioning captcha", "<html><body><p>" + strings.Repeat("Pickle festival news. ", 60) +
			"This form is protected by reCAPTCHA.</p></body></html>", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, looksLikeCaptcha([]byte(tc.body)))
		})
	}
}

func TestReadabilityExtractor(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.html"), filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(in, []byte(festivalHTML), 0o644))

	require.NoError(t, ReadabilityExtractor{}.Extract(context.Background(), in, out, "https://ncpicklefest.org"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "held every April in Mount Olive")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "\n")
}

func TestReadabilityExtractor_RejectsPDF(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.html")
	require.NoError(t, os.WriteFile(in, []byte("%PDF-1.7 binary"), 0o644))
	assert.Error(t, ReadabilityExtractor{}.Extract(context.Background(), in, filepath.Join(dir, "out.txt"), "https://a.org/x.pdf"))
}

func TestCommandExtractor(t *testing.T) {
	command, args := helperCommand("extractor")
	defer os.Unsetenv("PAGETEXT_HELPER")
	e := CommandExtractor{Command: command, Args: args, Timeout: 10 * time.Second}
	dir := t.TempDir()

	in, out := filepath.Join(dir, "in.html"), filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(in, []byte("pickles"), 0o644))
	require.NoError(t, e.Extract(context.Background(), in, out, "https://a.org"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "PICKLES", string(data))

	require.NoError(t, os.WriteFile(in, []byte("corrupt"), 0o644))
	err = e.Extract(context.Background(), in, out, "https://a.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, err.Error(), "cannot parse input")
}

type fakeFetcher struct {
	calls int32
	pages map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, pageURL, outputPath string, _ int) error {
	atomic.AddInt32(&f.calls, 1)
	body, ok := f.pages[pageURL]
	if !ok {
		return &FetchError{Status: "404", Detail: "not found"}
	}
	return os.WriteFile(outputPath, []byte(body), 0o644)
}

type copyExtractor struct{}

func (copyExtractor) Extract(_ context.Context, in, out, _ string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func newResolver(t *testing.T, fetcher Fetcher) *Resolver {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	repo := db.NewRepository(store, config.DBConfig{})
	t.Cleanup(func() { _ = repo.Close() })
	return NewResolver(workcache.New(repo), fetcher, copyExtractor{}, t.TempDir())
}

func TestResolver_CachesText(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{"https://a.org": "  Pickle\n\n festival  "}}
	r := newResolver(t, fetcher)
	ctx := context.Background()

	assert.False(t, r.Cached(ctx, "https://a.org"))
	text, err := r.Resolve(ctx, "https://a.org", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "Pickle festival", text)

	again, err := r.Resolve(ctx, "https://a.org", 0, models.NewTrail(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, text, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
	assert.True(t, r.Cached(ctx, "https://a.org"))
}

func TestResolver_CachesFailures(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{"https://blank.org": "   "}}
	r := newResolver(t, fetcher)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "https://gone.org", 0, nil)
	assert.ErrorIs(t, err, ErrUnresolvable)
	assert.Contains(t, err.Error(), "404")

	_, err = r.Resolve(ctx, "https://gone.org", 0, nil)
	assert.ErrorIs(t, err, ErrUnresolvable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	_, err = r.Resolve(ctx, "https://blank.org", 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result text found")
	assert.False(t, r.Cached(ctx, "https://blank.org"))
	assert.False(t, errors.Is(err, context.Canceled))
}
