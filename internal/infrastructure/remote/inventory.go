package remote

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const defaultSSHPort = 22

// inventoryFile is the on-disk layout shared by the YAML and TOML forms.
//
//	defaults:
//	  user: root
//	  key_file: /etc/nmstate-agent/id_ed25519
//	hosts:
//	  - name: node-a
//	    address: 10.0.0.11
type inventoryFile struct {
	Defaults inventoryHost   `yaml:"defaults" toml:"defaults"`
	Hosts    []inventoryHost `yaml:"hosts" toml:"hosts"`
}

type inventoryHost struct {
	Name    string `yaml:"name" toml:"name" validate:"required,hostname_rfc1123"`
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	User    string `yaml:"user" toml:"user"`
	KeyFile string `yaml:"key_file" toml:"key_file"`
}

// Inventory resolves host names to SSH endpoints from a static inventory file
type Inventory struct {
	hosts map[string]interfaces.HostEndpoint
}

// LoadInventory reads an inventory file. The format follows the extension: .yaml/.yml or .toml.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	return ParseInventory(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseInventory decodes an inventory document in the given format ("yaml", "yml" or "toml")
func ParseInventory(data []byte, format string) (*Inventory, error) {
	var file inventoryFile
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, errors.NewValidationError("invalid YAML inventory", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return nil, errors.NewValidationError("invalid TOML inventory", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewValidationError(fmt.Sprintf("unknown inventory keys: %v", undecoded), nil)
		}
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported inventory format %q", format), nil)
	}
	return newInventory(file)
}

func newInventory(file inventoryFile) (*Inventory, error) {
	validate := validator.New()
	inv := &Inventory{hosts: make(map[string]interfaces.HostEndpoint, len(file.Hosts))}
	for i, h := range file.Hosts {
		if err := validate.Struct(h); err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("inventory host #%d is invalid", i+1), err)
		}
		if _, dup := inv.hosts[h.Name]; dup {
			return nil, errors.NewValidationError(fmt.Sprintf("host %s is listed twice", h.Name), nil)
		}
		inv.hosts[h.Name] = endpoint(h, file.Defaults)
	}
	return inv, nil
}

func endpoint(h, defaults inventoryHost) interfaces.HostEndpoint {
	ep := interfaces.HostEndpoint{
		Name:    h.Name,
		Address: firstNonEmpty(h.Address, h.Name),
		Port:    h.Port,
		User:    firstNonEmpty(h.User, defaults.User),
		KeyFile: firstNonEmpty(h.KeyFile, defaults.KeyFile),
	}
	if ep.Port == 0 {
		ep.Port = defaults.Port
	}
	if ep.Port == 0 {
		ep.Port = defaultSSHPort
	}
	return ep
}

// Resolve returns the endpoint for host or a NOT_FOUND error
func (i *Inventory) Resolve(host string) (interfaces.HostEndpoint, error) {
	ep, ok := i.hosts[host]
	if !ok {
		return interfaces.HostEndpoint{}, errors.NewNotFoundError(fmt.Sprintf("host %s is not in the inventory", host))
	}
	return ep, nil
}

// Hosts lists the inventory host names in sorted order
func (i *Inventory) Hosts() []string {
	names := make([]string, 0, len(i.hosts))
	for name := range i.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
