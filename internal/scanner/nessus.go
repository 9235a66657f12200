package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultHTTPTimeout   = 30 * time.Second
	defaultExportTimeout = 10 * time.Minute
	exportPollInterval   = 2500 * time.Millisecond

	// Template for a full network scan; every Nessus install ships it under
	// this well-known name.
	defaultTemplateName = "advanced"
)

// NessusConfig holds everything needed to talk to one Nessus instance.
type NessusConfig struct {
	URL           string
	Username      string
	Password      string
	InsecureTLS   bool
	HTTPTimeout   time.Duration
	ExportTimeout time.Duration
	TemplateName  string
}

// Nessus drives a single Nessus instance over its REST API. Sessions are
// token-based; the client logs in lazily and re-authenticates once on 401.
type Nessus struct {
	cfg        NessusConfig
	httpClient *http.Client

	mu           sync.Mutex
	token        string
	templateUUID string
}

var _ Scanner = (*Nessus)(nil)

func NewNessus(cfg NessusConfig) *Nessus {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	if cfg.TemplateName == "" {
		cfg.TemplateName = defaultTemplateName
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	transport := &http.Transport{}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Nessus{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: transport,
		},
	}
}

type nessusError struct {
	StatusCode int
	Message    string
}

func (e *nessusError) Error() string {
	return fmt.Sprintf("nessus: HTTP %d: %s", e.StatusCode, e.Message)
}

// CreateScan provisions a scan object and returns its upstream ID.
func (n *Nessus) CreateScan(ctx context.Context, req *CreateScanRequest) (int, error) {
	if err := req.Credentials.Validate(); err != nil {
		return 0, err
	}

	templateUUID, err := n.lookupTemplate(ctx)
	if err != nil {
		return 0, err
	}

	settings := map[string]any{
		"name":         req.Name,
		"description":  req.Description,
		"text_targets": req.Targets,
		"enabled":      false,
	}
	body := map[string]any{
		"uuid":     templateUUID,
		"settings": settings,
	}
	if req.Credentials != nil {
		body["credentials"] = map[string]any{
			"add": map[string]any{
				"Host": map[string]any{
					"SSH": []map[string]any{{
						"auth_method":             "password",
						"username":                req.Credentials.Username,
						"password":                req.Credentials.Password,
						"elevate_privileges_with": req.Credentials.escalation(),
						"escalation_account":      req.Credentials.EscalationAccount,
						"escalation_password":     req.Credentials.EscalationPass,
					}},
				},
			},
		}
	}

	var resp struct {
		Scan struct {
			ID int `json:"id"`
		} `json:"scan"`
	}
	if err := n.do(ctx, http.MethodPost, "/scans", body, &resp); err != nil {
		return 0, fmt.Errorf("create scan: %w", err)
	}
	return resp.Scan.ID, nil
}

// LaunchScan starts a provisioned scan and returns its run UUID.
func (n *Nessus) LaunchScan(ctx context.Context, upstreamID int) (string, error) {
	var resp struct {
		ScanUUID string `json:"scan_uuid"`
	}
	err := n.do(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/launch", upstreamID), nil, &resp)
	if err != nil {
		return "", fmt.Errorf("launch scan %d: %w", upstreamID, err)
	}
	return resp.ScanUUID, nil
}

// GetStatus maps the native scan state to the core vocabulary and derives a
// progress percentage from per-host counters.
func (n *Nessus) GetStatus(ctx context.Context, upstreamID int) (*StatusInfo, error) {
	var resp struct {
		Info struct {
			Status string `json:"status"`
		} `json:"info"`
		Hosts []struct {
			Current int `json:"scanprogresscurrent"`
			Total   int `json:"scanprogresstotal"`
		} `json:"hosts"`
	}
	if err := n.do(ctx, http.MethodGet, fmt.Sprintf("/scans/%d", upstreamID), nil, &resp); err != nil {
		var ne *nessusError
		if errors.As(err, &ne) && ne.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %d", ErrScanNotFound, upstreamID)
		}
		return nil, fmt.Errorf("get scan %d: %w", upstreamID, err)
	}

	info := &StatusInfo{
		Status:       MapNativeStatus(resp.Info.Status),
		NativeStatus: resp.Info.Status,
	}
	var current, total int
	for _, h := range resp.Hosts {
		current += h.Current
		total += h.Total
	}
	if total > 0 {
		info.Progress = current * 100 / total
	}
	if info.Status == StatusCompleted {
		info.Progress = 100
	}
	return info, nil
}

// ExportResults requests a .nessus export and blocks, bounded by the export
// timeout, until the file is ready for download.
func (n *Nessus) ExportResults(ctx context.Context, upstreamID int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ExportTimeout)
	defer cancel()

	var exportResp struct {
		File int `json:"file"`
	}
	err := n.do(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/export", upstreamID), map[string]any{"format": "nessus"}, &exportResp)
	if err != nil {
		return nil, fmt.Errorf("request export for scan %d: %w", upstreamID, err)
	}
	fileID := exportResp.File

	for {
		var statusResp struct {
			Status string `json:"status"`
		}
		err := n.do(ctx, http.MethodGet, fmt.Sprintf("/scans/%d/export/%d/status", upstreamID, fileID), nil, &statusResp)
		if err != nil {
			return nil, fmt.Errorf("export status for scan %d: %w", upstreamID, err)
		}
		if statusResp.Status == "ready" {
			break
		}
		if statusResp.Status == "error" {
			return nil, fmt.Errorf("nessus: export %d for scan %d failed upstream", fileID, upstreamID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(exportPollInterval):
		}
	}

	data, err := n.download(ctx, fmt.Sprintf("/scans/%d/export/%d/download", upstreamID, fileID))
	if err != nil {
		return nil, fmt.Errorf("download export for scan %d: %w", upstreamID, err)
	}
	return data, nil
}

// StopScan asks the scanner to stop a running scan. Already-stopped and
// unknown scans are not errors.
func (n *Nessus) StopScan(ctx context.Context, upstreamID int) error {
	err := n.do(ctx, http.MethodPost, fmt.Sprintf("/scans/%d/stop", upstreamID), nil, nil)
	if err != nil {
		var ne *nessusError
		if errors.As(err, &ne) && (ne.StatusCode == http.StatusNotFound || ne.StatusCode == http.StatusConflict) {
			return nil
		}
		return fmt.Errorf("stop scan %d: %w", upstreamID, err)
	}
	return nil
}

// DeleteScan removes a scan object upstream. Unknown scans are not errors.
func (n *Nessus) DeleteScan(ctx context.Context, upstreamID int) error {
	err := n.do(ctx, http.MethodDelete, fmt.Sprintf("/scans/%d", upstreamID), nil, nil)
	if err != nil {
		var ne *nessusError
		if errors.As(err, &ne) && ne.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete scan %d: %w", upstreamID, err)
	}
	return nil
}

// Close destroys the session token and releases idle connections. Only safe
// once the instance's active scan count reached zero.
func (n *Nessus) Close() error {
	n.mu.Lock()
	token := n.token
	n.token = ""
	n.mu.Unlock()

	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, n.cfg.URL+"/session", nil)
		if err == nil {
			req.Header.Set("X-Cookie", "token="+token)
			if resp, err := n.httpClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	n.httpClient.CloseIdleConnections()
	return nil
}

func (n *Nessus) lookupTemplate(ctx context.Context) (string, error) {
	n.mu.Lock()
	cached := n.templateUUID
	n.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp struct {
		Templates []struct {
			Name string `json:"name"`
			UUID string `json:"uuid"`
		} `json:"templates"`
	}
	if err := n.do(ctx, http.MethodGet, "/editor/scan/templates", nil, &resp); err != nil {
		return "", fmt.Errorf("list scan templates: %w", err)
	}

	for _, tmpl := range resp.Templates {
		if tmpl.Name == n.cfg.TemplateName {
			n.mu.Lock()
			n.templateUUID = tmpl.UUID
			n.mu.Unlock()
			return tmpl.UUID, nil
		}
	}
	return "", fmt.Errorf("nessus: scan template %q not found", n.cfg.TemplateName)
}

func (n *Nessus) authenticate(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"username": n.cfg.Username,
		"password": n.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nessus login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &nessusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}

	n.mu.Lock()
	n.token = session.Token
	n.mu.Unlock()
	return session.Token, nil
}

func (n *Nessus) sessionToken(ctx context.Context) (string, error) {
	n.mu.Lock()
	token := n.token
	n.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return n.authenticate(ctx)
}

func (n *Nessus) do(ctx context.Context, method, path string, body, out any) error {
	retried := false
	for {
		token, err := n.sessionToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, n.cfg.URL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Cookie", "token="+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && !retried {
			resp.Body.Close()
			n.mu.Lock()
			n.token = ""
			n.mu.Unlock()
			retried = true
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &nessusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
}

func (n *Nessus) download(ctx context.Context, path string) ([]byte, error) {
	token, err := n.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.URL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Cookie", "token="+token)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &nessusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return io.ReadAll(resp.Body)
}
