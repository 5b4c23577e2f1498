package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/cyberrange/pkg/api"
	"github.com/cuemby/cyberrange/pkg/declare"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/types"
)

const (
	requestTimeout = 10 * time.Second

	// DefaultPollInterval is how often WaitJob polls
	DefaultPollInterval = 500 * time.Millisecond
)

// Error is a non-2xx API response
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API
func IsConflict(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client is a REST client for the cyberrange API
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a client for the server at addr ("host:port" or a URL)
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}
	return &Client{base: u, http: &http.Client{}}, nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
			if e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) call(method, path string, q url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return c.do(ctx, method, path, q, in, out)
}

// CreateTemplate creates a template
func (c *Client) CreateTemplate(t *types.Template) (*types.Template, error) {
	var out types.Template
	if err := c.call(http.MethodPost, "/templates", nil, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTemplates lists all templates
func (c *Client) ListTemplates() ([]*types.Template, error) {
	var out []*types.Template
	err := c.call(http.MethodGet, "/templates", nil, nil, &out)
	return out, err
}

// DeleteTemplate removes a template no VM uses
func (c *Client) DeleteTemplate(id string) error {
	return c.call(http.MethodDelete, "/templates/"+id, nil, nil, nil)
}

// CreateRange creates a draft range from a declaration
func (c *Client) CreateRange(decl *declare.Range) (*api.RangeDetail, error) {
	var out api.RangeDetail
	if err := c.call(http.MethodPost, "/ranges", nil, decl, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRanges lists all ranges
func (c *Client) ListRanges() ([]*types.Range, error) {
	var out []*types.Range
	err := c.call(http.MethodGet, "/ranges", nil, nil, &out)
	return out, err
}

// GetRange gets a range by ID with its networks and VMs
func (c *Client) GetRange(id string) (*api.RangeDetail, error) {
	var out api.RangeDetail
	if err := c.call(http.MethodGet, "/ranges/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindRange resolves a range by ID or name
func (c *Client) FindRange(idOrName string) (*api.RangeDetail, error) {
	r, err := c.GetRange(idOrName)
	if err == nil || !IsNotFound(err) {
		return r, err
	}
	ranges, lerr := c.ListRanges()
	if lerr != nil {
		return nil, lerr
	}
	for _, rng := range ranges {
		if rng.Name == idOrName {
			return c.GetRange(rng.ID)
		}
	}
	return nil, err
}

// DeleteRange deletes a range and its records
func (c *Client) DeleteRange(id string) error {
	return c.call(http.MethodDelete, "/ranges/"+id, nil, nil, nil)
}

// SetRangeStatus sets a range to draft or archived
func (c *Client) SetRangeStatus(id string, status types.RangeStatus) (*types.Range, error) {
	var out types.Range
	err := c.call(http.MethodPut, "/ranges/"+id+"/status", nil, api.StatusRequest{Status: status}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateRange checks a stored range declaration
func (c *Client) ValidateRange(id string) error {
	return c.call(http.MethodPost, "/ranges/"+id+"/validate", nil, nil, nil)
}

// RangeAction submits deploy, retry, start, stop or teardown for a range
func (c *Client) RangeAction(id, action string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.call(http.MethodPost, "/ranges/"+id+"/"+action, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVM gets a VM with its snapshots
func (c *Client) GetVM(id string) (*api.VMDetail, error) {
	var out api.VMDetail
	if err := c.call(http.MethodGet, "/vms/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VMAction submits start, stop, restart or retry for a VM
func (c *Client) VMAction(id, action string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.call(http.MethodPost, "/vms/"+id+"/"+action, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SnapshotVM commits a VM's container to a named snapshot
func (c *Client) SnapshotVM(id, name string) (*api.SnapshotResponse, error) {
	var out api.SnapshotResponse
	err := c.call(http.MethodPost, "/vms/"+id+"/snapshot", nil, api.SnapshotRequest{Name: name}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob returns the polling view of a job
func (c *Client) GetJob(id string) (*jobs.Status, error) {
	var out jobs.Status
	if err := c.call(http.MethodGet, "/jobs/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobFilter narrows ListJobs
type JobFilter struct {
	State    types.JobState
	Kind     types.JobKind
	RangeID  string
	ParentID string
}

// ListJobs lists retained jobs
func (c *Client) ListJobs(f JobFilter) ([]jobs.Status, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", string(f.State))
	}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if f.RangeID != "" {
		q.Set("range_id", f.RangeID)
	}
	if f.ParentID != "" {
		q.Set("parent_id", f.ParentID)
	}
	var out []jobs.Status
	err := c.call(http.MethodGet, "/jobs", q, nil, &out)
	return out, err
}

// CancelJob requests cancellation of a job and its children
func (c *Client) CancelJob(id string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.call(http.MethodPost, "/jobs/"+id+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitJob polls a job until it is terminal or ctx ends. onUpdate, when set,
// is called with every poll result.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration, onUpdate func(*jobs.Status)) (*jobs.Status, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var st jobs.Status
		if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, nil, &st); err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(&st)
		}
		if st.State.Terminal() {
			return &st, nil
		}
		select {
		case <-ctx.Done():
			return &st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EventQuery narrows ListEvents and WatchEvents
type EventQuery struct {
	Since time.Time
	Type  types.EventType
	VMID  string
	Limit int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.Format(time.RFC3339Nano))
	}
	if q.Type != "" {
		v.Set("type", string(q.Type))
	}
	if q.VMID != "" {
		v.Set("vm_id", q.VMID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ListEvents replays a range's durable event log
func (c *Client) ListEvents(rangeID string, q EventQuery) ([]*types.EventLogEntry, error) {
	var out []*types.EventLogEntry
	err := c.call(http.MethodGet, "/events/"+rangeID, q.values(), nil, &out)
	return out, err
}

// WatchEvents opens the range's websocket event channel. The channel
// replays entries after q.Since, then carries live events until ctx ends
// or the server closes the stream.
func (c *Client) WatchEvents(ctx context.Context, rangeID string, q EventQuery) (<-chan *types.EventLogEntry, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events/" + rangeID + "/ws"
	u.RawQuery = q.values().Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &Error{StatusCode: resp.StatusCode, Message: "event watch rejected"}
		}
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	out := make(chan *types.EventLogEntry, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var e types.EventLogEntry
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			select {
			case out <- &e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// EnsureArtifact makes sure an image or disk image is cached
func (c *Client) EnsureArtifact(ref types.ArtifactRef) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.call(http.MethodPost, "/artifacts", nil, ref, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListArtifacts lists artifact cache records
func (c *Client) ListArtifacts() ([]*types.Artifact, error) {
	var out []*types.Artifact
	err := c.call(http.MethodGet, "/artifacts", nil, nil, &out)
	return out, err
}

// DeleteArtifact removes a cached artifact by key ("image:alpine:3.20")
func (c *Client) DeleteArtifact(key string) error {
	kind, name, ok := strings.Cut(key, ":")
	if !ok {
		return fmt.Errorf("invalid artifact key %q (want <kind>:<name>)", key)
	}
	return c.call(http.MethodDelete, "/artifacts/"+kind+"/"+name, nil, nil, nil)
}
