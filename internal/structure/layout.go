package structure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

type LayoutConfig struct {
	Endpoint     string
	APIKey       string
	Model        string
	APIVersion   string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// LayoutStrategy submits the file to an Azure-style document layout service, polls the
// long-running operation and maps the returned markdown headings to chapters.
type LayoutStrategy struct {
	cfg        LayoutConfig
	httpClient *http.Client
}

func NewLayoutStrategy(cfg LayoutConfig) *LayoutStrategy {
	if cfg.Model == "" {
		cfg.Model = "prebuilt-layout"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-11-30"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &LayoutStrategy{cfg: cfg, httpClient: client}
}

func (s *LayoutStrategy) Name() string { return MethodLayout }

type layoutParagraph struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type layoutOperation struct {
	Status        string `json:"status"`
	AnalyzeResult struct {
		Content    string            `json:"content"`
		Paragraphs []layoutParagraph `json:"paragraphs"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *LayoutStrategy) Parse(ctx context.Context, in *Input) (*Tree, map[string]int, error) {
	if s.cfg.Endpoint == "" {
		return nil, nil, errs.Configuration("layout service", "endpoint is not configured")
	}
	if len(in.Data) == 0 {
		return nil, nil, errs.Validation("layout service", "file content is empty")
	}

	opURL, err := s.submit(ctx, in.Data)
	if err != nil {
		return nil, nil, err
	}

	op, polls, err := s.poll(ctx, opURL)
	if err != nil {
		return nil, nil, err
	}

	tree := headingsFromMarkdown(op.AnalyzeResult.Content)
	if len(tree.Chapters) == 0 {
		tree = headingsFromRoles(op.AnalyzeResult.Paragraphs)
	}
	return tree, map[string]int{"polls": polls, "paragraphs": len(op.AnalyzeResult.Paragraphs)}, nil
}

func (s *LayoutStrategy) submit(ctx context.Context, data []byte) (string, error) {
	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s&outputContentFormat=markdown",
		strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Model, s.cfg.APIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", errs.API("layout submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError("layout submit", resp.StatusCode, body)
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", errs.API("layout submit", errors.New("response has no Operation-Location header"))
	}
	logger.Debug("Layout analysis submitted", zap.String("operation", opURL))
	return opURL, nil
}

func (s *LayoutStrategy) poll(ctx context.Context, opURL string) (*layoutOperation, int, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
		if err != nil {
			return nil, polls, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.APIKey)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, polls, errs.API("layout poll", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, polls, errs.API("layout poll", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, polls, statusError("layout poll", resp.StatusCode, body)
		}

		var op layoutOperation
		if err := json.Unmarshal(body, &op); err != nil {
			return nil, polls, errs.API("layout poll", fmt.Errorf("failed to parse response: %w", err))
		}

		switch strings.ToLower(op.Status) {
		case "succeeded":
			return &op, polls, nil
		case "failed", "canceled":
			msg := op.Status
			if op.Error != nil {
				msg = op.Error.Code + ": " + op.Error.Message
			}
			return nil, polls, errs.DocumentParse("layout analysis", errors.New(msg))
		}

		select {
		case <-ctx.Done():
			return nil, polls, ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusError(op string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Configuration(op, "service rejected credentials (status %d)", status)
	case status >= 400 && status < 500:
		return errs.Validation(op, "service rejected request (status %d): %s", status, strings.TrimSpace(string(body)))
	}
	return errs.API(op, fmt.Errorf("unexpected status %d", status))
}

var markdownHeading = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)

// headingsFromMarkdown walks the service's markdown. Embedded HTML (tables, figures) is dropped and
// <!-- PageBreak --> comments advance the page counter.
func headingsFromMarkdown(content string) *Tree {
	tree := &Tree{}
	if strings.TrimSpace(content) == "" {
		return tree
	}
	root, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return tree
	}

	page := 1
	line := 0
	root.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		switch node.Type {
		case html.CommentNode:
			if strings.Contains(node.Data, "PageBreak") {
				page++
			}
		case html.TextNode:
			for _, l := range strings.Split(node.Data, "\n") {
				l = strings.TrimSpace(l)
				if l == "" {
					continue
				}
				if m := markdownHeading.FindStringSubmatch(l); m != nil {
					tree.Add(m[2], len(m[1]), line, page)
				}
				line++
			}
		}
	})
	tree.Close(line)
	return tree
}

func headingsFromRoles(paragraphs []layoutParagraph) *Tree {
	tree := &Tree{}
	for i, p := range paragraphs {
		switch p.Role {
		case "title":
			tree.Add(strings.TrimSpace(p.Content), 1, i, 0)
		case "sectionHeading":
			tree.Add(strings.TrimSpace(p.Content), 2, i, 0)
		}
	}
	tree.Close(len(paragraphs))
	return tree
}
