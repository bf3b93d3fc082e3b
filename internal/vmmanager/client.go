package vmmanager

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client is the concrete InventoryAPI/MigrationAPI adapter for the remote
// VM manager REST API documented in §6. It owns its session token
// explicitly and injects it into every request; there is no package-level
// mutable state.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Username   string
	Password   string
	ReauthIdle time.Duration

	log *zap.Logger

	mu            sync.Mutex
	token         string
	tokenIssuedAt time.Time
}

// NewClient builds a client for baseURL. verifySSL controls whether the
// remote's TLS certificate is validated; reauthIdle is the proactive
// re-authentication window (§9 open question 3).
func NewClient(baseURL, username, password string, verifySSL bool, reauthIdle time.Duration, log *zap.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		Username:   username,
		Password:   password,
		ReauthIdle: reauthIdle,
		log:        log,
	}
}

// Authenticate obtains a session token for Username/Password.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{Email: c.Username, Password: c.Password})
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/auth/v4/public/token", bytes.NewReader(body))
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &AuthError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody))}
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &AuthError{Reason: err.Error()}
	}
	if result.Token == "" {
		return &AuthError{Reason: "empty token in response"}
	}

	c.mu.Lock()
	c.token = result.Token
	c.tokenIssuedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// ensureFresh re-authenticates proactively once ReauthIdle has elapsed
// since the last successful authentication.
func (c *Client) ensureFresh(ctx context.Context) error {
	c.mu.Lock()
	stale := c.token == "" || (c.ReauthIdle > 0 && time.Since(c.tokenIssuedAt) > c.ReauthIdle)
	c.mu.Unlock()
	if !stale {
		return nil
	}
	return c.Authenticate(ctx)
}

// doRequest performs an authenticated HTTP call, transparently
// re-authenticating once on a 401 before giving up (§5 cancellation notes).
func (c *Client) doRequest(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	resp, err := c.rawRequest(ctx, method, path, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if authErr := c.Authenticate(ctx); authErr != nil {
			return nil, authErr
		}
		resp, err = c.rawRequest(ctx, method, path, body)
		if err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HttpError{Op: op, Code: resp.StatusCode, Body: string(respBody)}
	}

	return resp, nil
}

func (c *Client) rawRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	req.Header.Set("x-xsrf-token", token)

	return c.HTTPClient.Do(req)
}

// CheckReachable is a lightweight ping used at cycle start; any failure is
// swallowed into false, matching §4.2's "a failure aborts the cycle
// without touching state" contract.
func (c *Client) CheckReachable(ctx context.Context) bool {
	resp, err := c.doRequest(ctx, "check_reachable", http.MethodGet, "/vm/v3/cluster", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

type rawListEnvelope[T any] struct {
	List []T `json:"list"`
}

type rawCluster struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListClusters fetches every cluster and enriches each with its node list.
// A cluster whose node listing fails is logged and left out of the result,
// so one failing cluster does not fail the whole call.
func (c *Client) ListClusters(ctx context.Context) ([]*Cluster, error) {
	resp, err := c.doRequest(ctx, "list_clusters", http.MethodGet, "/vm/v3/cluster", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope rawListEnvelope[rawCluster]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &DecodeError{Op: "list_clusters", Err: err}
	}

	clusters := make([]*Cluster, 0, len(envelope.List))
	for _, rc := range envelope.List {
		nodes, err := c.ListNodes(ctx, rc.ID)
		if err != nil {
			c.log.Error("list_nodes failed, skipping cluster", zap.String("cluster_id", rc.ID), zap.Error(err))
			continue
		}
		clusters = append(clusters, &Cluster{ID: rc.ID, Name: rc.Name, Nodes: nodes})
	}
	return clusters, nil
}

type rawNode struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Cluster struct {
		ID string `json:"id"`
	} `json:"cluster"`
	CPU struct {
		Number int `json:"number"`
		Used   int `json:"used"`
	} `json:"cpu"`
	RAMMiB struct {
		Total     int64 `json:"total"`
		Allocated int64 `json:"allocated"`
	} `json:"ram_mib"`
	VM struct {
		Total int `json:"total"`
	} `json:"vm"`
	MaintenanceMode     bool   `json:"maintenance_mode"`
	HostCreationBlocked bool   `json:"host_creation_blocked"`
	HostLimit           int    `json:"host_limit"`
	QemuVersion         string `json:"qemu_version"`
}

// ListNodes fetches the full node inventory and filters to clusterID
// client-side, because server-side filtering is known-broken on this API
// (§4.2, §9).
func (c *Client) ListNodes(ctx context.Context, clusterID string) ([]*Node, error) {
	resp, err := c.doRequest(ctx, "list_nodes", http.MethodGet, "/vm/v3/node", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope rawListEnvelope[rawNode]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &DecodeError{Op: "list_nodes", Err: err}
	}

	var nodes []*Node
	for _, rn := range envelope.List {
		if rn.Cluster.ID != clusterID {
			continue
		}
		nodes = append(nodes, &Node{
			ID:                rn.ID,
			Name:              rn.Name,
			CPUTotal:          rn.CPU.Number,
			CPUUsed:           rn.CPU.Used,
			MemoryTotalMB:     rn.RAMMiB.Total,
			MemoryUsedMB:      rn.RAMMiB.Allocated,
			VMCount:           rn.VM.Total,
			VMLimit:           rn.HostLimit,
			IsMaintenance:     rn.MaintenanceMode,
			VMCreationAllowed: !rn.HostCreationBlocked,
			QemuVersion:       rn.QemuVersion,
		})
	}
	return nodes, nil
}

type rawVM struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Cluster struct {
		ID string `json:"id"`
	} `json:"cluster"`
	Node struct {
		ID string `json:"id"`
	} `json:"node"`
	CPUNumber     int     `json:"cpu_number"`
	RAMMiB        int64   `json:"ram_mib"`
	State         string  `json:"state"`
	IsoMounted    bool    `json:"iso_mounted"`
	SnapshotCount int     `json:"snapshot_count"`
	BalancerMode  *string `json:"balancer_mode"`
}

// ListVMs fetches the full VM inventory and filters to clusterID
// client-side, populating CanMigrate per §4.4.
func (c *Client) ListVMs(ctx context.Context, clusterID string) ([]*VM, error) {
	resp, err := c.doRequest(ctx, "list_vms", http.MethodGet, "/vm/v3/host", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope rawListEnvelope[rawVM]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &DecodeError{Op: "list_vms", Err: err}
	}

	var vms []*VM
	for _, rv := range envelope.List {
		if rv.Cluster.ID != clusterID {
			continue
		}
		// balancer_mode defaults to "off" when absent from the payload -
		// an absent field is equivalent to an explicit per-VM opt-out.
		mode := "off"
		if rv.BalancerMode != nil {
			mode = *rv.BalancerMode
		}
		vm := &VM{
			ID:            rv.ID,
			Name:          rv.Name,
			NodeID:        rv.Node.ID,
			CPUCores:      rv.CPUNumber,
			MemoryMB:      rv.RAMMiB,
			State:         rv.State,
			isoMounted:    rv.IsoMounted,
			snapshotCount: rv.SnapshotCount,
			balancerMode:  mode,
		}
		if reasons := vm.blockingReasons(); len(reasons) > 0 {
			vm.CanMigrate = false
			c.log.Debug("vm not migratable", zap.Int("vm_id", vm.ID), zap.Strings("blockers", reasons))
		} else {
			vm.CanMigrate = true
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// SubmitMigration starts an asynchronous migration and returns its
// tracking id.
func (c *Client) SubmitMigration(ctx context.Context, vmID int, targetNodeID string) (string, error) {
	nodeInt, err := strconv.Atoi(targetNodeID)
	if err != nil {
		return "", &DecodeError{Op: "submit_migration", Err: fmt.Errorf("target node id %q is not numeric: %w", targetNodeID, err)}
	}

	path := fmt.Sprintf("/vm/v3/host/%d/migrate", vmID)
	resp, err := c.doRequest(ctx, "submit_migration", http.MethodPost, path, struct {
		Node int `json:"node"`
	}{Node: nodeInt})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ID json.Number `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &DecodeError{Op: "submit_migration", Err: err}
	}
	return result.ID.String(), nil
}

// PollJob blocks until the migration job reaches a terminal state or
// timeout elapses, polling every 5 seconds and logging progress every 60
// (§4.2). It honours ctx cancellation so operator shutdown is prompt even
// mid-poll (§5).
func (c *Client) PollJob(ctx context.Context, jobID string, timeout time.Duration) (JobOutcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	start := time.Now()
	lastLog := start

	for {
		select {
		case <-ctx.Done():
			return JobOutcome{}, ctx.Err()
		case <-ticker.C:
		}

		status, progress, err := c.fetchJobStatus(ctx, jobID)
		if err != nil {
			return JobOutcome{}, err
		}

		switch strings.ToLower(status.Status) {
		case "success":
			return JobOutcome{Status: JobSucceeded}, nil
		case "error":
			return JobOutcome{Status: JobFailed, Reason: status.ErrorMessage}, nil
		}

		if time.Since(lastLog) >= 60*time.Second {
			c.log.Info("migration job in progress",
				zap.String("job_id", jobID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Any("progress", progress))
			lastLog = time.Now()
		}

		if time.Now().After(deadline) {
			return JobOutcome{Status: JobTimedOut}, nil
		}
	}
}

type jobStatusPayload struct {
	Status          string  `json:"status"`
	ErrorMessage    string  `json:"error_message"`
	Progress        float64 `json:"progress"`
	ProgressPercent float64 `json:"progress_percent"`
	RemainingTime   float64 `json:"remaining_time"`
	CurrentStep     string  `json:"current_step"`
}

func (c *Client) fetchJobStatus(ctx context.Context, jobID string) (jobStatusPayload, map[string]any, error) {
	path := fmt.Sprintf("/vm/v3/task/%s", jobID)
	resp, err := c.doRequest(ctx, "poll_job", http.MethodGet, path, nil)
	if err != nil {
		return jobStatusPayload{}, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jobStatusPayload{}, nil, &DecodeError{Op: "poll_job", Err: err}
	}

	var status jobStatusPayload
	if err := json.Unmarshal(raw, &status); err != nil {
		return jobStatusPayload{}, nil, &DecodeError{Op: "poll_job", Err: err}
	}

	progress := map[string]any{
		"progress":         status.Progress,
		"progress_percent": status.ProgressPercent,
		"remaining_time":   status.RemainingTime,
		"current_step":     status.CurrentStep,
	}
	return status, progress, nil
}
