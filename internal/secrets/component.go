package secrets

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	chapPathFmt = "chap/%s"

	keyUsername = "username"
	keySecret   = "secret"
)

// Credentials is a resolved CHAP username and secret pair.
type Credentials struct {
	Username string
	Secret   string `json:"-"`
}

// Component resolves the per-server CHAP credentials in the lifecycle
// contract. When the store also implements Writer and no credentials exist,
// Process generates and stores a fresh pair.
type Component struct {
	component.Base

	serverID string
	reader   Reader
	ids      model.IDSource

	credentials *Credentials
}

func NewComponent(serverID string, reader Reader, config map[string]interface{}, ids model.IDSource, logger *logrus.Entry) *Component {
	return &Component{
		Base:     component.NewBase(model.ComponentKindSecrets, config, nil, ids, logger),
		serverID: serverID,
		reader:   reader,
		ids:      ids,
	}
}

// Discover checks whether CHAP credentials exist for the server. Read-only.
func (c *Component) Discover(ctx context.Context) error {
	record := c.Record()

	path := fmt.Sprintf(chapPathFmt, c.serverID)

	existing := map[string]bool{}

	_, err := c.reader.Get(ctx, path, keyUsername)

	switch {
	case err == nil:
		existing["chap-credentials"] = true
	case errors.Is(err, ErrSecretNotFound):
		existing["chap-credentials"] = false
	default:
		return err
	}

	facts := map[string]string{"path": path}

	if lister, ok := c.reader.(Lister); ok {
		paths, err := lister.List(ctx, "chap")
		if err != nil {
			c.Logger().WithError(err).Debug("listing credential paths")
		} else {
			facts["chap_paths"] = strconv.Itoa(len(paths))
		}
	}

	record.Discovery = &model.DiscoveryResult{
		Reachable: true,
		Existing:  existing,
		Facts:     facts,
	}

	return nil
}

// Process resolves the CHAP credentials, generating and storing a pair when
// none exist and the store is writable.
func (c *Component) Process(ctx context.Context) error {
	record := c.Record()

	path := fmt.Sprintf(chapPathFmt, c.serverID)

	username, err := c.reader.Get(ctx, path, keyUsername)
	if err == nil {
		secret, err := c.reader.Get(ctx, path, keySecret)
		if err != nil {
			return err
		}

		c.credentials = &Credentials{Username: username, Secret: secret}
		record.Processing = &model.ProcessingResult{Reused: []string{"chap-credentials"}}

		return nil
	}

	if !errors.Is(err, ErrSecretNotFound) {
		return err
	}

	writer, ok := c.reader.(Writer)
	if !ok {
		return errors.Wrap(ErrSecretNotFound, path+": store is read-only, cannot generate")
	}

	generated := &Credentials{
		Username: "chap-" + c.serverID,
		Secret:   randomSecret(c.ids),
	}

	err = writer.Put(ctx, path, map[string]string{
		keyUsername: generated.Username,
		keySecret:   generated.Secret,
	})
	if err != nil {
		return err
	}

	c.credentials = generated
	record.Processing = &model.ProcessingResult{Created: []string{"chap-credentials"}}

	c.Logger().WithField("path", path).Info("CHAP credentials generated")

	return nil
}

// Housekeep re-verifies the credentials are still resolvable.
func (c *Component) Housekeep(ctx context.Context) error {
	record := c.Record()

	path := fmt.Sprintf(chapPathFmt, c.serverID)

	result := &model.HousekeepingResult{}

	if _, err := c.reader.Get(ctx, path, keyUsername); err == nil {
		result.Verified = append(result.Verified, "chap-credentials")
	} else if errors.Is(err, ErrSecretNotFound) {
		result.Missing = append(result.Missing, "chap-credentials")
	} else {
		return err
	}

	record.Housekeeping = result

	return nil
}

// Credentials returns the resolved pair, nil before Process ran.
func (c *Component) Credentials() *Credentials {
	return c.credentials
}

// randomSecret derives a secret from a random UUID. iSCSI CHAP secrets must
// be 12 to 16 characters on most initiators so the value is truncated.
func randomSecret(ids model.IDSource) string {
	id := ids()

	return hex.EncodeToString(id[:])[:16]
}
