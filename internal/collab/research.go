package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Research implements domain.Researcher. It asks an external research service
// for an optimized specification; when the service is unconfigured or
// unreachable the pure local generator takes over, so RESEARCH-mode messages
// always produce something useful.
type Research struct {
	apiBase string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

type ResearchConfig struct {
	APIBase string // empty = local generator only
	APIKey  string
	Logger  *slog.Logger
}

func NewResearch(cfg ResearchConfig) *Research {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Research{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
	}
}

type researchRequest struct {
	Request    string `json:"request"`
	TargetPath string `json:"targetPath"`
}

type researchResponse struct {
	Specification string `json:"specification"`
}

// Optimize returns the optimized specification for the request. Service
// failures degrade to the local generator rather than erroring out.
func (r *Research) Optimize(ctx context.Context, request, targetPath string) (string, error) {
	if r.apiBase == "" {
		return LocalSpec(request, targetPath), nil
	}

	spec, err := r.remoteOptimize(ctx, request, targetPath)
	if err != nil {
		r.logger.Warn("research service unavailable, using local generator", "err", err)
		return LocalSpec(request, targetPath), nil
	}
	return spec, nil
}

func (r *Research) remoteOptimize(ctx context.Context, request, targetPath string) (string, error) {
	payload, err := json.Marshal(researchRequest{Request: request, TargetPath: targetPath})
	if err != nil {
		return "", fmt.Errorf("marshal research request: %w", err)
	}

	buildReq := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			r.apiBase+"/optimize", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
		return req, nil
	}

	resp, err := doWithRetry(ctx, r.client, buildReq, r.logger)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read research response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("research service returned %d", resp.StatusCode)
	}

	var parsed researchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse research response: %w", err)
	}
	if strings.TrimSpace(parsed.Specification) == "" {
		return "", fmt.Errorf("research service returned an empty specification")
	}
	return parsed.Specification, nil
}

// LocalSpec is the pure fallback generator: it structures the raw request
// into a minimal working specification without any network access.
func LocalSpec(request, targetPath string) string {
	now := time.Now().Format("2006-01-02")
	var sb strings.Builder
	sb.WriteString("# Task Specification (locally generated " + now + ")\n\n")
	sb.WriteString("## Request\n")
	sb.WriteString(strings.TrimSpace(request) + "\n\n")
	if targetPath != "" {
		sb.WriteString("## Target\n")
		sb.WriteString(targetPath + "\n\n")
	}
	sb.WriteString("## Approach\n")
	sb.WriteString("1. Survey the existing code relevant to the request.\n")
	sb.WriteString("2. Make the smallest change that satisfies the request.\n")
	sb.WriteString("3. Add or update tests covering the changed behavior.\n")
	sb.WriteString("4. Verify the build and test suite pass before finishing.\n\n")
	sb.WriteString("## Constraints\n")
	sb.WriteString("- Preserve existing public interfaces unless the request says otherwise.\n")
	sb.WriteString("- Keep changes reviewable: no drive-by refactors.\n")
	return sb.String()
}
