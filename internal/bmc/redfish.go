package bmc

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
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// The vendor iSCSI boot attribute groups are not covered by bmclib, they are
// read and staged directly through the redfish NetworkDeviceFunction and Jobs
// resources. The exact wire format is vendor specific, callers only see the
// attribute group contract.
const (
	redfishJobsPath        = "/redfish/v1/Managers/iDRAC.Embedded.1/Jobs?$expand=*($levels=1)"
	redfishBootOptionsPath = "/redfish/v1/Systems/System.Embedded.1/BootOptions?$expand=*($levels=1)"
	redfishNicFunctionFmt  = "/redfish/v1/Chassis/System.Embedded.1/NetworkAdapters/%s/NetworkDeviceFunctions/%s"

	defaultNicID = "NIC.Integrated.1-1-1"
)

var (
	errAttributeWrite = errors.New("attribute group write error")
	errAttributeRead  = errors.New("attribute group read error")

	// remote error fragments that identify the distinct error kinds
	pendingJobFragments = []string{"SYS011", "pending", "job already exists"}
	dependencyFragments = []string{"read-only", "depends on other attributes", "SYS410"}
)

type redfishAttributeClient struct {
	server  *model.Server
	client  *retryablehttp.Client
	baseURL string
	logger  *logrus.Entry
}

func newRedfishAttributeClient(server *model.Server, timeout time.Duration, logger *logrus.Entry) *redfishAttributeClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	client.HTTPClient.Transport = &http.Transport{
		// BMCs ship self signed certificates
		// nolint:gosec // G402
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	return &redfishAttributeClient{
		server:  server,
		client:  client,
		baseURL: "https://" + server.BMCAddress,
		logger:  logger,
	}
}

func (c *redfishAttributeClient) nicID() string {
	if c.server.NicID != "" {
		return c.server.NicID
	}

	return defaultNicID
}

// nicAdapterID derives the adapter identifier from the NIC FQDD,
// e.g. NIC.Integrated.1-1-1 -> NIC.Integrated.1
func (c *redfishAttributeClient) nicAdapterID() string {
	return strings.SplitN(c.nicID(), "-", 2)[0]
}

func (c *redfishAttributeClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}

	req.SetBasicAuth(c.server.BMCUsername, c.server.BMCPassword)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RemoteCallCounter.WithLabelValues("bmc", method+" "+path, "failed").Inc()

		// a timed out call is treated identically to a connectivity failure
		return 0, nil, errors.Wrap(model.ErrConnectivity, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	metrics.RemoteCallCounter.WithLabelValues("bmc", method+" "+path, resp.Status).Inc()

	return resp.StatusCode, data, nil
}

type redfishJob struct {
	ID        string `json:"Id"`
	Name      string `json:"Name"`
	JobState  string `json:"JobState"`
	JobType   string `json:"JobType"`
	StartTime string `json:"StartTime"`
}

type redfishJobList struct {
	Members []redfishJob `json:"Members"`
}

// pendingAttempt reads the remote job queue, the remote holds at most one
// uncommitted configuration job per device function.
func (c *redfishAttributeClient) pendingAttempt(ctx context.Context) (*model.Attempt, error) {
	status, data, err := c.do(ctx, http.MethodGet, redfishJobsPath, nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(model.ErrConnectivity, "jobs query returned status "+strconv.Itoa(status))
	}

	jobs := &redfishJobList{}
	if err := json.Unmarshal(data, jobs); err != nil {
		return nil, errors.Wrap(errAttributeRead, "malformed jobs response: "+err.Error())
	}

	for _, job := range jobs.Members {
		switch job.JobState {
		case "Scheduled", "Running", "New":
		default:
			continue
		}

		if job.JobType != "NICConfiguration" && job.JobType != "BIOSConfiguration" {
			continue
		}

		return &model.Attempt{
			ID:             job.ID,
			Group:          groupFromJobName(job.Name),
			AppliedState:   model.AppliedStatePending,
			RequiresReboot: true,
		}, nil
	}

	return nil, nil
}

// groupFromJobName recovers the attribute group a configuration job was staged
// for, the group name is embedded in the job name on creation.
func groupFromJobName(name string) model.AttributeGroup {
	for _, g := range []model.AttributeGroup{model.AttributeGroupNetwork, model.AttributeGroupTarget, model.AttributeGroupAuth} {
		if strings.Contains(name, string(g)) {
			return g
		}
	}

	return model.AttributeGroup("unknown")
}

// writeAttributeGroup stages one attribute group change on the device function
// settings resource. The change commits on the next host reboot.
func (c *redfishAttributeClient) writeAttributeGroup(ctx context.Context, group model.AttributeGroup, values map[string]string) (*model.Attempt, error) {
	payload := map[string]interface{}{
		"iSCSIBoot":        typedAttributeValues(values),
		"@Redfish.JobName": string(group),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errAttributeWrite, err.Error())
	}

	path := fmt.Sprintf(redfishNicFunctionFmt, c.nicAdapterID(), c.nicID()) + "/Settings"

	status, data, err := c.do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return nil, err
	}

	attempt := &model.Attempt{
		Group:     group,
		Requested: recordableValues(values),
		CreatedAt: time.Now(),
	}

	switch status {
	case http.StatusOK, http.StatusNoContent:
		// applied immediately, no reboot gate on this group
		attempt.AppliedState = model.AppliedStateCommitted
		return attempt, nil

	case http.StatusAccepted:
		attempt.AppliedState = model.AppliedStatePending
		attempt.RequiresReboot = true

		return attempt, nil
	}

	attempt.AppliedState = model.AppliedStateRejected

	msg := string(data)

	if containsAny(msg, pendingJobFragments) {
		return attempt, &model.CommitConflictError{ServerID: c.server.ID, PendingGroup: group}
	}

	if containsAny(msg, dependencyFragments) {
		return attempt, &model.AttributeDependencyError{Group: group, Requires: model.AttributeGroupNetwork}
	}

	return attempt, errors.Wrap(errAttributeWrite,
		fmt.Sprintf("group '%s' rejected with status %d: %s", group, status, msg))
}

// readAttributeGroup reads back the applied device function attributes for the group.
func (c *redfishAttributeClient) readAttributeGroup(ctx context.Context, group model.AttributeGroup) (map[string]string, error) {
	path := fmt.Sprintf(redfishNicFunctionFmt, c.nicAdapterID(), c.nicID())

	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errAttributeRead, "device function query returned status "+strconv.Itoa(status))
	}

	function := struct {
		ISCSIBoot map[string]interface{} `json:"iSCSIBoot"`
	}{}

	if err := json.Unmarshal(data, &function); err != nil {
		return nil, errors.Wrap(errAttributeRead, "malformed device function response: "+err.Error())
	}

	applied := map[string]string{}
	for k, v := range function.ISCSIBoot {
		if v == nil {
			applied[k] = ""
			continue
		}

		applied[k] = fmt.Sprintf("%v", v)
	}

	return applied, nil
}

type redfishBootOption struct {
	ID             string `json:"Id"`
	DisplayName    string `json:"DisplayName"`
	UefiDevicePath string `json:"UefiDevicePath"`
}

type redfishBootOptionList struct {
	Members []redfishBootOption `json:"Members"`
}

// bootDevices returns the current boot option list with a coarse device kind
// classification for fallback detection.
func (c *redfishAttributeClient) bootDevices(ctx context.Context) ([]model.BootDevice, error) {
	status, data, err := c.do(ctx, http.MethodGet, redfishBootOptionsPath, nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, errors.Wrap(errAttributeRead, "boot options query returned status "+strconv.Itoa(status))
	}

	options := &redfishBootOptionList{}
	if err := json.Unmarshal(data, options); err != nil {
		return nil, errors.Wrap(errAttributeRead, "malformed boot options response: "+err.Error())
	}

	devices := make([]model.BootDevice, 0, len(options.Members))
	for _, o := range options.Members {
		devices = append(devices, model.BootDevice{
			ID:          o.ID,
			DisplayName: o.DisplayName,
			Kind:        classifyBootDevice(o),
		})
	}

	return devices, nil
}

func classifyBootDevice(o redfishBootOption) model.BootDeviceKind {
	name := strings.ToLower(o.DisplayName + " " + o.UefiDevicePath)

	switch {
	case strings.Contains(name, "iscsi") || strings.Contains(name, "iqn."):
		return model.BootDeviceKindISCSI
	case strings.Contains(name, "pxe") || strings.Contains(name, "nic") || strings.Contains(name, "network"):
		return model.BootDeviceKindNetwork
	case strings.Contains(name, "hdd") || strings.Contains(name, "disk") || strings.Contains(name, "raid"):
		return model.BootDeviceKindDisk
	default:
		return model.BootDeviceKindOther
	}
}

func typedAttributeValues(values map[string]string) map[string]interface{} {
	typed := make(map[string]interface{}, len(values))

	for k, v := range values {
		if n, err := strconv.Atoi(v); err == nil && isNumericAttribute(k) {
			typed[k] = n
			continue
		}

		if v == "true" || v == "false" {
			typed[k] = v == "true"
			continue
		}

		typed[k] = v
	}

	return typed
}

// recordableValues drops secret attributes from the recorded attempt, the
// attempt is serialized into artifacts and the remote never reads secrets back.
func recordableValues(values map[string]string) map[string]string {
	recorded := make(map[string]string, len(values))

	for k, v := range values {
		if k == "CHAPSecret" {
			continue
		}

		recorded[k] = v
	}

	return recorded
}

func isNumericAttribute(field string) bool {
	return strings.HasSuffix(field, "Port") || strings.HasSuffix(field, "LUN")
}

func containsAny(s string, fragments []string) bool {
	ls := strings.ToLower(s)

	for _, f := range fragments {
		if strings.Contains(ls, strings.ToLower(f)) {
			return true
		}
	}

	return false
}
