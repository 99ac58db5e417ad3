package pagetext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"
)

// Extractor turns a downloaded page at inputPath into plain text at outputPath.
type Extractor interface {
	Extract(ctx context.Context, inputPath, outputPath, pageURL string) error
}

var (
	reWhitespace   = regexp.MustCompile(`\s+`)
	blockElements  = []string{"div", "p", "br", "li", "td", "tr", "h1", "h2", "h3", "h4", "h5", "h6"}
	reBlockOpeners = make(map[string]*regexp.Regexp, len(blockElements))
	reBlockClosers = make(map[string]*regexp.Regexp, len(blockElements))
)

func init() {
	for _, tag := range blockElements {
		reBlockOpeners[tag] = regexp.MustCompile(`<` + tag + `[^>]*>`)
		reBlockClosers[tag] = regexp.MustCompile(`</` + tag + `>`)
	}
}

func normalizeText(text string) string {
	return strings.TrimSpace(reWhitespace.ReplaceAllString(text, " "))
}

// addSpacesBeforeParsing keeps words in adjacent blocks from running together.
func addSpacesBeforeParsing(html string) string {
	result := html
	for _, tag := range blockElements {
		result = reBlockOpeners[tag].ReplaceAllString(result, " <"+tag+">")
		result = reBlockClosers[tag].ReplaceAllString(result, "</"+tag+"> ")
	}
	return result
}

// ReadabilityExtractor pulls the main article out of an HTML page, falling
// back to the whole body when readability finds nothing.
type ReadabilityExtractor struct{}

func (ReadabilityExtractor) Extract(ctx context.Context, inputPath, outputPath, pageURL string) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	utf8Reader, err := charset.NewReader(f, "text/html")
	if err != nil {
		return fmt.Errorf("decode %s: %w", inputPath, err)
	}
	raw, err := io.ReadAll(utf8Reader)
	if err != nil {
		return err
	}
	if bytes.HasPrefix(raw, []byte("%PDF")) {
		return errors.New("pdf documents need the command extractor")
	}

	text, err := extractText(string(raw), pageURL)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte(text), 0o644)
}

func extractText(rawHTML, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		text, err := htmlToText(article.Content)
		if err == nil && text != "" {
			if article.Title != "" && !strings.Contains(text, article.Title) {
				text = article.Title + ". " + text
			}
			return text, nil
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(addSpacesBeforeParsing(rawHTML)))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, footer, iframe").Remove()
	return normalizeText(doc.Find("body").Text()), nil
}

func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(addSpacesBeforeParsing(html)))
	if err != nil {
		return "", err
	}
	return normalizeText(doc.Text()), nil
}

// CommandExtractor runs an external converter as "<command> <args...> <input> <output>".
// A non-zero exit code is a failure.
type CommandExtractor struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (e CommandExtractor) Extract(ctx context.Context, inputPath, outputPath, pageURL string) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), e.Args...), inputPath, outputPath)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("text extractor timeout: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("text extractor exited with code %d (stderr=%s)", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return fmt.Errorf("text extractor failed: %w", err)
	}
	return nil
}
