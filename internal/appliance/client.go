// Package appliance provisions iSCSI boot volumes on the network storage
// appliance through its REST API.
package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ResourceKind identifies the appliance resource types the provisioning
// engine manages.
type ResourceKind string

const (
	KindVolume      ResourceKind = "volume"
	KindExtent      ResourceKind = "extent"
	KindTarget      ResourceKind = "target"
	KindAssociation ResourceKind = "association"
)

// Resource is the identity of an existing appliance resource.
type Resource struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind ResourceKind `json:"kind"`
}

var (
	errApplianceQuery  = errors.New("appliance query error")
	errApplianceCreate = errors.New("appliance create error")
	errApplianceDelete = errors.New("appliance delete error")
)

// Client defines the appliance calls the provisioning engine consumes.
type Client interface {
	// Ping verifies connectivity and authentication. Read-only.
	Ping(ctx context.Context) error

	// QueryByName returns the resource of the given kind and name,
	// nil when it does not exist.
	QueryByName(ctx context.Context, kind ResourceKind, name string) (*Resource, error)

	CreateVolume(ctx context.Context, name, size string) (*Resource, error)
	CreateExtent(ctx context.Context, name, volumeName string) (*Resource, error)
	CreateTarget(ctx context.Context, name, alias string) (*Resource, error)
	Associate(ctx context.Context, targetName, extentName string, lun int) (*Resource, error)

	Delete(ctx context.Context, kind ResourceKind, id string) error
}

// httpClient talks to a TrueNAS style v2 REST API.
type httpClient struct {
	endpoint string
	apiKey   string
	pool     string
	client   *retryablehttp.Client
	logger   *logrus.Entry
}

// NewClient returns an appliance Client for the given API endpoint.
func NewClient(endpoint, apiKey, pool string, timeout time.Duration, logger *logrus.Entry) Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = timeout

	return &httpClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		pool:     pool,
		client:   client,
		logger:   logger,
	}
}

func (c *httpClient) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RemoteCallCounter.WithLabelValues("appliance", method+" "+path, "failed").Inc()

		// a timed out call is treated identically to a connectivity failure
		return 0, nil, errors.Wrap(model.ErrConnectivity, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	metrics.RemoteCallCounter.WithLabelValues("appliance", method+" "+path, resp.Status).Inc()

	return resp.StatusCode, data, nil
}

// Ping verifies the API answers with valid credentials.
func (c *httpClient) Ping(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, "/api/v2.0/system/info", nil)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return errors.Wrap(model.ErrConnectivity, fmt.Sprintf("system info returned status %d", status))
	}

	return nil
}

// volumeID is the dataset identifier, pool scoped.
func (c *httpClient) volumeID(name string) string {
	return c.pool + "/" + name
}

type dataset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type iscsiExtent struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type iscsiTarget struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type iscsiTargetExtent struct {
	ID     int `json:"id"`
	Target int `json:"target"`
	Extent int `json:"extent"`
	LunID  int `json:"lunid"`
}

func (c *httpClient) QueryByName(ctx context.Context, kind ResourceKind, name string) (*Resource, error) {
	switch kind {
	case KindVolume:
		return c.queryVolume(ctx, name)
	case KindExtent:
		extent, err := c.queryExtent(ctx, name)
		if err != nil || extent == nil {
			return nil, err
		}

		return &Resource{ID: fmt.Sprintf("%d", extent.ID), Name: extent.Name, Kind: KindExtent}, nil
	case KindTarget:
		target, err := c.queryTarget(ctx, name)
		if err != nil || target == nil {
			return nil, err
		}

		return &Resource{ID: fmt.Sprintf("%d", target.ID), Name: target.Name, Kind: KindTarget}, nil
	case KindAssociation:
		// associations are addressed by their target name
		return c.queryAssociation(ctx, name)
	}

	return nil, errors.Wrap(errApplianceQuery, "unknown resource kind: "+string(kind))
}

func (c *httpClient) queryVolume(ctx context.Context, name string) (*Resource, error) {
	path := "/api/v2.0/pool/dataset?name=" + url.QueryEscape(c.volumeID(name))

	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceQuery, fmt.Sprintf("dataset query returned status %d", status))
	}

	datasets := []dataset{}
	if err := json.Unmarshal(data, &datasets); err != nil {
		return nil, errors.Wrap(errApplianceQuery, err.Error())
	}

	for _, d := range datasets {
		if d.ID == c.volumeID(name) {
			return &Resource{ID: d.ID, Name: name, Kind: KindVolume}, nil
		}
	}

	return nil, nil
}

func (c *httpClient) queryExtent(ctx context.Context, name string) (*iscsiExtent, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/api/v2.0/iscsi/extent?name="+url.QueryEscape(name), nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceQuery, fmt.Sprintf("extent query returned status %d", status))
	}

	extents := []iscsiExtent{}
	if err := json.Unmarshal(data, &extents); err != nil {
		return nil, errors.Wrap(errApplianceQuery, err.Error())
	}

	for i := range extents {
		if extents[i].Name == name {
			return &extents[i], nil
		}
	}

	return nil, nil
}

func (c *httpClient) queryTarget(ctx context.Context, name string) (*iscsiTarget, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/api/v2.0/iscsi/target?name="+url.QueryEscape(name), nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceQuery, fmt.Sprintf("target query returned status %d", status))
	}

	targets := []iscsiTarget{}
	if err := json.Unmarshal(data, &targets); err != nil {
		return nil, errors.Wrap(errApplianceQuery, err.Error())
	}

	for i := range targets {
		if targets[i].Name == name {
			return &targets[i], nil
		}
	}

	return nil, nil
}

func (c *httpClient) queryAssociation(ctx context.Context, targetName string) (*Resource, error) {
	target, err := c.queryTarget(ctx, targetName)
	if err != nil || target == nil {
		return nil, err
	}

	status, data, err := c.do(ctx, http.MethodGet, "/api/v2.0/iscsi/targetextent", nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceQuery, fmt.Sprintf("targetextent query returned status %d", status))
	}

	associations := []iscsiTargetExtent{}
	if err := json.Unmarshal(data, &associations); err != nil {
		return nil, errors.Wrap(errApplianceQuery, err.Error())
	}

	for _, a := range associations {
		if a.Target == target.ID {
			return &Resource{ID: fmt.Sprintf("%d", a.ID), Name: targetName, Kind: KindAssociation}, nil
		}
	}

	return nil, nil
}

func (c *httpClient) CreateVolume(ctx context.Context, name, size string) (*Resource, error) {
	body := map[string]interface{}{
		"name":    c.volumeID(name),
		"type":    "VOLUME",
		"volsize": size,
		"sparse":  true,
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/v2.0/pool/dataset", body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceCreate, fmt.Sprintf("dataset create returned status %d: %s", status, string(data)))
	}

	return &Resource{ID: c.volumeID(name), Name: name, Kind: KindVolume}, nil
}

func (c *httpClient) CreateExtent(ctx context.Context, name, volumeName string) (*Resource, error) {
	body := map[string]interface{}{
		"name": name,
		"type": "DISK",
		"disk": "zvol/" + c.volumeID(volumeName),
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/v2.0/iscsi/extent", body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceCreate, fmt.Sprintf("extent create returned status %d: %s", status, string(data)))
	}

	extent := &iscsiExtent{}
	if err := json.Unmarshal(data, extent); err != nil {
		return nil, errors.Wrap(errApplianceCreate, err.Error())
	}

	return &Resource{ID: fmt.Sprintf("%d", extent.ID), Name: name, Kind: KindExtent}, nil
}

func (c *httpClient) CreateTarget(ctx context.Context, name, alias string) (*Resource, error) {
	body := map[string]interface{}{
		"name":   name,
		"alias":  alias,
		"groups": []interface{}{},
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/v2.0/iscsi/target", body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceCreate, fmt.Sprintf("target create returned status %d: %s", status, string(data)))
	}

	target := &iscsiTarget{}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, errors.Wrap(errApplianceCreate, err.Error())
	}

	return &Resource{ID: fmt.Sprintf("%d", target.ID), Name: name, Kind: KindTarget}, nil
}

func (c *httpClient) Associate(ctx context.Context, targetName, extentName string, lun int) (*Resource, error) {
	target, err := c.queryTarget(ctx, targetName)
	if err != nil {
		return nil, err
	}

	if target == nil {
		return nil, errors.Wrap(errApplianceCreate, "association requires target: "+targetName)
	}

	extent, err := c.queryExtent(ctx, extentName)
	if err != nil {
		return nil, err
	}

	if extent == nil {
		return nil, errors.Wrap(errApplianceCreate, "association requires extent: "+extentName)
	}

	body := map[string]interface{}{
		"target": target.ID,
		"extent": extent.ID,
		"lunid":  lun,
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/v2.0/iscsi/targetextent", body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errApplianceCreate, fmt.Sprintf("targetextent create returned status %d: %s", status, string(data)))
	}

	association := &iscsiTargetExtent{}
	if err := json.Unmarshal(data, association); err != nil {
		return nil, errors.Wrap(errApplianceCreate, err.Error())
	}

	return &Resource{ID: fmt.Sprintf("%d", association.ID), Name: targetName, Kind: KindAssociation}, nil
}

func (c *httpClient) Delete(ctx context.Context, kind ResourceKind, id string) error {
	var path string

	switch kind {
	case KindVolume:
		path = "/api/v2.0/pool/dataset/id/" + url.PathEscape(id)
	case KindExtent:
		path = "/api/v2.0/iscsi/extent/id/" + id
	case KindTarget:
		path = "/api/v2.0/iscsi/target/id/" + id
	case KindAssociation:
		path = "/api/v2.0/iscsi/targetextent/id/" + id
	default:
		return errors.Wrap(errApplianceDelete, "unknown resource kind: "+string(kind))
	}

	status, data, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	if status != http.StatusOK && status != http.StatusNoContent {
		return errors.Wrap(errApplianceDelete, fmt.Sprintf("delete %s returned status %d: %s", kind, status, string(data)))
	}

	return nil
}
