// Package gitlab talks to the external CI system: it starts pipeline runs
// via the trigger API and reads run status. Reconciliation logic never sees
// GitLab specifics, only ports.Pipelines and domain.PipelineState.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vigil/internal/config"
	"vigil/internal/domain"
)

// Variable names the triggered pipeline expects.
const (
	varMode          = "SCAN_MODE"
	varRepoURL       = "REPO_URL"
	varContextPath   = "CONTEXT_PATH"
	varImageName     = "IMAGE_NAME"
	varImageTag      = "IMAGE_TAG"
	varBuildFile     = "CUSTOM_BUILD_FILE"
	varGitCredential = "GIT_CREDENTIAL"
	varRegCredential = "REGISTRY_CREDENTIAL"
	varDisplayName   = "DISPLAY_NAME"
	varServiceID     = "SERVICE_ID"
)

type Client struct {
	base           string
	projectID      string
	triggerToken   string
	triggerRef     string
	apiToken       string
	triggerTimeout time.Duration
	statusTimeout  time.Duration
	httpc          *http.Client
}

func New(cfg config.PipelineConfig) *Client {
	return &Client{
		base:           strings.TrimRight(cfg.BaseURL, "/"),
		projectID:      cfg.ProjectID,
		triggerToken:   cfg.TriggerToken,
		triggerRef:     cfg.TriggerRef,
		apiToken:       cfg.APIToken,
		triggerTimeout: cfg.TriggerTimeout,
		statusTimeout:  cfg.StatusTimeout,
		httpc:          &http.Client{},
	}
}

// TriggerError is a non-2xx answer from the trigger endpoint, with the
// response body kept for diagnostics.
type TriggerError struct {
	StatusCode int
	Body       string
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("pipeline trigger returned %d: %s", e.StatusCode, e.Body)
}

// Trigger starts a pipeline run for the job and returns its external id and
// browse URL. The caller does not retry: a duplicate trigger would start a
// duplicate run.
func (c *Client) Trigger(ctx context.Context, job *domain.Job) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.triggerTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", c.triggerToken)
	form.Set("ref", c.triggerRef)
	setVar := func(name, value string) {
		if value != "" {
			form.Set(fmt.Sprintf("variables[%s]", name), value)
		}
	}
	setVar(varMode, string(job.Lane))
	setVar(varRepoURL, job.RepoURL)
	setVar(varContextPath, job.ContextPath)
	setVar(varImageName, job.ImageName)
	setVar(varImageTag, job.ImageTag)
	setVar(varBuildFile, job.CustomBuildFile)
	setVar(varGitCredential, job.GitCredential)
	setVar(varRegCredential, job.RegistryCredential)
	setVar(varDisplayName, job.Username)
	setVar(varServiceID, job.ServiceID)

	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/trigger/pipeline", c.base, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("pipeline trigger: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &TriggerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out struct {
		ID     json.Number `json:"id"`
		WebURL string      `json:"web_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("decode trigger response: %w", err)
	}
	if out.ID.String() == "" {
		return "", "", fmt.Errorf("trigger response missing pipeline id")
	}
	return out.ID.String(), out.WebURL, nil
}

// Status fetches the current state of a pipeline run. An unknown reference
// maps to domain.ErrPipelineNotFound and a 401/403 to domain.ErrPipelineAuth
// so callers can tell "gone" and "can't know" apart from plain failures.
func (c *Client) Status(ctx context.Context, ref string) (domain.PipelineInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/pipelines/%s", c.base, c.projectID, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.PipelineInfo{}, err
	}
	req.Header.Set("PRIVATE-TOKEN", c.apiToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.PipelineInfo{}, fmt.Errorf("pipeline status: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.PipelineInfo{}, fmt.Errorf("pipeline %s: %w", ref, domain.ErrPipelineNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.PipelineInfo{}, fmt.Errorf("pipeline %s: %w", ref, domain.ErrPipelineAuth)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.PipelineInfo{}, fmt.Errorf("pipeline status returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Status string `json:"status"`
		WebURL string `json:"web_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.PipelineInfo{}, fmt.Errorf("decode status response: %w", err)
	}
	return domain.PipelineInfo{State: domain.PipelineState(out.Status), WebURL: out.WebURL}, nil
}
