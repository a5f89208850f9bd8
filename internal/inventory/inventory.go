package inventory

import (
	"fmt"
	"os"

	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	AuthMethodNone = "None"
	AuthMethodCHAP = "CHAP"
)

var (
	ErrInventorySource = errors.New("error in yaml inventory source")

	errMultipathLUN = errors.New("multipath records for the same IQN must share the LUN")
)

// TargetRecord describes one iSCSI target portal entry. Two records carrying
// the same IQN describe a multipath pair.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type TargetRecord struct {
	Name        string `yaml:"name"`
	IQN         string `yaml:"iqn"`
	IP          string `yaml:"ip"`
	Port        int    `yaml:"port"`
	LUN         int    `yaml:"lun"`
	Description string `yaml:"description"`
	AuthMethod  string `yaml:"auth_method"`

	// CHAP credentials, required iff auth_method is CHAP. The secret never
	// serializes into logs or artifacts.
	CHAPUsername string `yaml:"chap_username"`
	CHAPSecret   string `yaml:"chap_secret" json:"-"`
}

// Inventory is the deserialized targets file.
type Inventory struct {
	Targets []TargetRecord  `yaml:"targets"`
	Servers []*model.Server `yaml:"servers"`
}

// Load reads and validates the targets file.
func Load(path string) (*Inventory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrInventorySource, err.Error())
	}

	inventory := &Inventory{}

	if err := yaml.Unmarshal(content, inventory); err != nil {
		return nil, errors.Wrap(ErrInventorySource, err.Error())
	}

	if err := inventory.Validate(); err != nil {
		return nil, err
	}

	return inventory, nil
}

// Validate checks every record and the multipath pairing constraints.
func (i *Inventory) Validate() error {
	lunByIQN := map[string]int{}

	for idx, record := range i.Targets {
		if err := record.validate(); err != nil {
			return errors.Wrap(err, fmt.Sprintf("target record %d (%s)", idx, record.Name))
		}

		if lun, ok := lunByIQN[record.IQN]; ok {
			if lun != record.LUN {
				return errors.Wrap(errMultipathLUN, record.IQN)
			}
		} else {
			lunByIQN[record.IQN] = record.LUN
		}
	}

	for idx, server := range i.Servers {
		if err := server.Validate(); err != nil {
			return errors.Wrap(err, fmt.Sprintf("server record %d", idx))
		}
	}

	return nil
}

func (r TargetRecord) validate() error {
	switch {
	case r.Name == "":
		return errors.Wrap(ErrInventorySource, "record requires a name")
	case r.IQN == "":
		return errors.Wrap(ErrInventorySource, "record requires an iqn")
	case r.IP == "":
		return errors.Wrap(ErrInventorySource, "record requires an ip")
	case r.AuthMethod != "" && r.AuthMethod != AuthMethodNone && r.AuthMethod != AuthMethodCHAP:
		return errors.Wrap(ErrInventorySource, "unsupported auth_method "+r.AuthMethod)
	case r.AuthMethod == AuthMethodCHAP && (r.CHAPUsername == "" || r.CHAPSecret == ""):
		return errors.Wrap(ErrInventorySource, "auth_method CHAP requires chap_username and chap_secret")
	case r.AuthMethod != AuthMethodCHAP && (r.CHAPUsername != "" || r.CHAPSecret != ""):
		return errors.Wrap(ErrInventorySource, "chap_username and chap_secret require auth_method CHAP")
	}

	return nil
}

// TargetByName returns the named record, nil when absent.
func (i *Inventory) TargetByName(name string) *TargetRecord {
	for idx := range i.Targets {
		if i.Targets[idx].Name == name {
			return &i.Targets[idx]
		}
	}

	return nil
}

// ServerByID returns the identified server, nil when absent.
func (i *Inventory) ServerByID(id string) *model.Server {
	for _, server := range i.Servers {
		if server.ID == id {
			return server
		}
	}

	return nil
}

// ToDescriptor converts the record, with its multipath partner when one
// exists, into a boot target descriptor. A CHAP record carries its own
// credentials, records without them resolve theirs from the secrets store.
func (i *Inventory) ToDescriptor(record *TargetRecord) (*model.BootTargetDescriptor, error) {
	if record == nil {
		return nil, errors.Wrap(ErrInventorySource, "nil target record")
	}

	port := record.Port
	if port == 0 {
		port = 3260
	}

	descriptor := &model.BootTargetDescriptor{
		IQN:           record.IQN,
		PortalAddress: record.IP,
		Port:          port,
		LUN:           record.LUN,
	}

	if record.AuthMethod == AuthMethodCHAP {
		descriptor.CHAPUsername = record.CHAPUsername
		descriptor.CHAPSecret = record.CHAPSecret
	}

	for idx := range i.Targets {
		partner := &i.Targets[idx]
		if partner.IQN == record.IQN && partner.IP != record.IP {
			descriptor.SecondaryIQN = partner.IQN
			descriptor.SecondaryPortal = partner.IP

			break
		}
	}

	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	return descriptor, nil
}
