package bmc

import (
	"context"
	"strings"
	"time"

	bmclibv2 "github.com/bmc-toolbox/bmclib/v2"
	logrusrv2 "github.com/bombsimon/logrusr/v2"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/bmc-toolbox/common"
	"github.com/jacobweinstock/registrar"
	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/sirupsen/logrus"
)

var (
	// logoutTimeout is the timeout value when logging out of a bmc
	logoutTimeout = "1m"
	loginAttempts = 3

	// login errors
	errBMCLogin             = errors.New("bmc login error")
	errBMCLoginTimeout      = errors.New("bmc login timeout")
	errBMCLoginUnAuthorized = errors.New("bmc login unauthorized")

	errBMCInventory = errors.New("bmc inventory error")

	errBMCLogout = errors.New("bmc logout error")
)

// bmc wraps the bmclib client for session, power and inventory calls and a
// redfish attribute client for the vendor iSCSI boot attribute groups, it
// implements the Client interface.
type bmc struct {
	server *model.Server
	client *bmclibv2.Client
	attrs  *redfishAttributeClient
	logger *logrus.Entry
}

// NewClient returns a Client for the given server BMC.
func NewClient(ctx context.Context, server *model.Server, timeout time.Duration, logger *logrus.Entry) Client {
	return &bmc{
		server: server,
		client: newBmclibv2Client(ctx, server, logger),
		attrs:  newRedfishAttributeClient(server, timeout, logger),
		logger: logger,
	}
}

// Open creates a BMC session
func (b *bmc) Open(ctx context.Context) error {
	if b.client == nil {
		return errors.Wrap(errBMCLogin, "bmclibv2 client not initialized")
	}

	// return if a session is active
	if b.SessionActive(ctx) {
		b.logger.WithField("serverID", b.server.ID).Trace("bmc session active, skipped login attempt")
		return nil
	}

	return b.loginWithRetries(ctx, loginAttempts)
}

func (b *bmc) loginWithRetries(ctx context.Context, attempts int) error {
	delay := &backoff.Backoff{
		Min:    5 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	startTS := time.Now()

	var attempt int

	for {
		attempt++

		err := b.client.Open(ctx)
		if err == nil {
			metrics.RemoteCallCounter.WithLabelValues("bmc", "login", "succeeded").Inc()
			return nil
		}

		metrics.RemoteCallCounter.WithLabelValues("bmc", "login", "failed").Inc()

		if strings.Contains(err.Error(), "401: ") || strings.Contains(err.Error(), "failed to login") {
			return errors.Wrap(errBMCLoginUnAuthorized, err.Error())
		}

		if attempt >= attempts {
			if strings.Contains(err.Error(), "operation timed out") {
				return errors.Wrap(errBMCLoginTimeout, "operation timed out in "+time.Since(startTS).String())
			}

			return errors.Wrap(errBMCLogin, err.Error())
		}

		time.Sleep(delay.Duration())
	}
}

// SessionActive determines if the connection has an active session.
func (b *bmc) SessionActive(ctx context.Context) bool {
	if b.client == nil {
		return false
	}

	_, err := b.client.GetPowerState(ctx)

	return err == nil
}

// Close logs out of the BMC
func (b *bmc) Close() error {
	if b.client == nil {
		return nil
	}

	timeout, err := time.ParseDuration(logoutTimeout)
	if err != nil {
		return errors.Wrap(errBMCLogout, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.client.Close(ctx); err != nil {
		return errors.Wrap(errBMCLogout, err.Error())
	}

	return nil
}

// Inventory queries the BMC for the device inventory and returns an object with the device inventory.
func (b *bmc) Inventory(ctx context.Context) (*common.Device, error) {
	inventory, err := b.client.Inventory(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "no compatible System Odata IDs identified") {
			return nil, errors.Wrap(errBMCInventory, "redfish_incompatible: no compatible System Odata IDs identified")
		}

		return nil, errors.Wrap(errBMCInventory, err.Error())
	}

	// format the device inventory vendor attribute so its consistent
	inventory.Vendor = common.FormatVendorName(inventory.Vendor)

	return inventory, nil
}

// PowerStatus returns the device power status
func (b *bmc) PowerStatus(ctx context.Context) (string, error) {
	return b.client.GetPowerState(ctx)
}

// PowerCycle reboots the host, which commits any pending attribute group.
func (b *bmc) PowerCycle(ctx context.Context) error {
	state, err := b.client.GetPowerState(ctx)
	if err != nil {
		return err
	}

	// a powered off host is powered on instead, the boot also applies pending jobs
	if strings.Contains(strings.ToLower(state), "off") { // covers states - Off, PoweringOff
		_, err = b.client.SetPowerState(ctx, "on")
		return err
	}

	_, err = b.client.SetPowerState(ctx, "cycle")

	return err
}

// PendingAttempt returns the uncommitted configuration job held by the remote, if any.
func (b *bmc) PendingAttempt(ctx context.Context) (*model.Attempt, error) {
	return b.attrs.pendingAttempt(ctx)
}

// WriteAttributeGroup stages one attribute group change on the BMC.
func (b *bmc) WriteAttributeGroup(ctx context.Context, group model.AttributeGroup, values map[string]string) (*model.Attempt, error) {
	return b.attrs.writeAttributeGroup(ctx, group, values)
}

// ReadAttributeGroup reads back the applied values for an attribute group.
func (b *bmc) ReadAttributeGroup(ctx context.Context, group model.AttributeGroup) (map[string]string, error) {
	return b.attrs.readAttributeGroup(ctx, group)
}

// BootDevices returns the current boot device list.
func (b *bmc) BootDevices(ctx context.Context) ([]model.BootDevice, error) {
	return b.attrs.bootDevices(ctx)
}

// newBmclibv2Client initializes a bmclibv2 client with the given credentials
func newBmclibv2Client(_ context.Context, server *model.Server, l *logrus.Entry) *bmclibv2.Client {
	logger := logrus.New()
	logger.Formatter = l.Logger.Formatter

	// setup a logr logger for bmclib
	// bmclib uses logr, for which the trace logs are logged with log.V(3),
	// this is a hax so the logrusr lib will enable trace logging
	// since any value that is less than (logrus.LogLevel - 4) >= log.V(3) is ignored
	// https://github.com/bombsimon/logrusr/blob/master/logrusr.go#L64
	switch l.Logger.GetLevel() {
	case logrus.TraceLevel:
		logger.Level = 7
	case logrus.DebugLevel:
		logger.Level = 5
	}

	logruslogr := logrusrv2.New(logger)

	bmcClient := bmclibv2.NewClient(
		server.BMCAddress,
		server.BMCUsername,
		server.BMCPassword,
		bmclibv2.WithLogger(logruslogr),
	)

	// set bmclibv2 driver
	//
	// The bmclib drivers here are limited to the HTTPS means of connection,
	// that is, drivers like ipmi are excluded.
	switch common.FormatVendorName(server.Vendor) {
	case common.VendorDell, common.VendorHPE:
		// Set to the bmclib ProviderProtocol value
		// https://github.com/bmc-toolbox/bmclib/blob/v2/providers/redfish/redfish.go#L26
		bmcClient.Registry.Drivers = bmcClient.Registry.Using("redfish")
	default:
		// attempt both drivers when vendor is unknown
		drivers := append(registrar.Drivers{},
			bmcClient.Registry.Using("redfish")...,
		)

		drivers = append(drivers,
			bmcClient.Registry.Using("vendorapi")...,
		)

		bmcClient.Registry.Drivers = drivers
	}

	return bmcClient
}
