package backend

import (
	"fmt"
	"sort"
	"strconv"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"

	"gopkg.in/yaml.v3"
)

type netplanDoc struct {
	Network netplanNetwork `yaml:"network"`
}

type netplanNetwork struct {
	Version   int                      `yaml:"version"`
	Renderer  string                   `yaml:"renderer,omitempty"`
	Ethernets map[string]netplanDevice `yaml:"ethernets,omitempty"`
	Bonds     map[string]netplanDevice `yaml:"bonds,omitempty"`
	Bridges   map[string]netplanDevice `yaml:"bridges,omitempty"`
	VLANs     map[string]netplanDevice `yaml:"vlans,omitempty"`
	Dummies   map[string]netplanDevice `yaml:"dummy-devices,omitempty"`
}

type netplanDevice struct {
	DHCP4          *bool               `yaml:"dhcp4,omitempty"`
	DHCP6          *bool               `yaml:"dhcp6,omitempty"`
	Addresses      []string            `yaml:"addresses,omitempty"`
	MTU            int                 `yaml:"mtu,omitempty"`
	MACAddress     string              `yaml:"macaddress,omitempty"`
	ActivationMode string              `yaml:"activation-mode,omitempty"`
	Interfaces     []string            `yaml:"interfaces,omitempty"`
	Parameters     *netplanBondParams  `yaml:"parameters,omitempty"`
	ID             *int                `yaml:"id,omitempty"`
	Link           string              `yaml:"link,omitempty"`
	Routes         []netplanRoute      `yaml:"routes,omitempty"`
	Nameservers    *netplanNameservers `yaml:"nameservers,omitempty"`
}

type netplanBondParams struct {
	Mode string `yaml:"mode,omitempty"`
}

type netplanRoute struct {
	To     string `yaml:"to"`
	Via    string `yaml:"via,omitempty"`
	Metric int    `yaml:"metric,omitempty"`
	Table  int    `yaml:"table,omitempty"`
}

type netplanNameservers struct {
	Addresses []string `yaml:"addresses,omitempty"`
	Search    []string `yaml:"search,omitempty"`
}

// renderNetplan renders the managed state as a netplan v2 document. Routes and DNS for
// interfaces defined in other netplan files are emitted as extra stanzas; netplan merges
// definitions of the same interface across files. current supplies the type of such
// interfaces and the default-route interface that carries DNS when nothing else can.
func renderNetplan(managed, current entities.NetworkState, renderer string) ([]byte, error) {
	doc := netplanDoc{Network: netplanNetwork{Version: 2, Renderer: renderer}}
	devices := make(map[string]*netplanDevice)
	types := make(map[string]entities.InterfaceType)
	for _, iface := range current.Interfaces {
		types[iface.Name] = iface.Type
	}

	device := func(name string) *netplanDevice {
		if d, ok := devices[name]; ok {
			return d
		}
		d := &netplanDevice{}
		devices[name] = d
		if _, ok := types[name]; !ok {
			types[name] = entities.InterfaceTypeEthernet
		}
		return d
	}

	for _, iface := range managed.Interfaces {
		types[iface.Name] = iface.Type
		if iface.Type == "" {
			types[iface.Name] = entities.InterfaceTypeEthernet
		}
		d := device(iface.Name)
		d.MTU = iface.MTU
		d.MACAddress = iface.MACAddress
		if iface.State == entities.InterfaceStateDown {
			d.ActivationMode = "off"
		}
		if iface.IPv4 != nil {
			d.DHCP4 = boolPtr(iface.IPv4.Enabled && iface.IPv4.DHCP)
			d.Addresses = append(d.Addresses, cidrs(iface.IPv4)...)
		}
		if iface.IPv6 != nil {
			d.DHCP6 = boolPtr(iface.IPv6.Enabled && iface.IPv6.DHCP)
			d.Addresses = append(d.Addresses, cidrs(iface.IPv6)...)
		}

		switch iface.Type {
		case entities.InterfaceTypeBond:
			if iface.LinkAggregation != nil {
				d.Interfaces = append(d.Interfaces, iface.LinkAggregation.Ports...)
				if iface.LinkAggregation.Mode != "" {
					d.Parameters = &netplanBondParams{Mode: iface.LinkAggregation.Mode}
				}
			}
		case entities.InterfaceTypeBridge:
			d.Interfaces = append(d.Interfaces, iface.Bridge.PortNames()...)
		case entities.InterfaceTypeVLAN:
			if iface.VLAN != nil {
				id := iface.VLAN.ID
				d.ID = &id
				d.Link = iface.VLAN.BaseIface
				device(iface.VLAN.BaseIface)
			}
		}
	}

	// ports must be defined for netplan to enslave them
	for _, iface := range managed.Interfaces {
		if iface.Controller == "" {
			continue
		}
		c := device(iface.Controller)
		if !containsString(c.Interfaces, iface.Name) {
			c.Interfaces = append(c.Interfaces, iface.Name)
		}
	}
	for name := range devices {
		for _, port := range devices[name].Interfaces {
			device(port)
		}
	}

	for _, r := range managed.RouteList() {
		if r.NextHopInterface == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("route %s has no next-hop-interface", r.Destination), nil)
		}
		d := device(r.NextHopInterface)
		to := r.Destination
		if r.IsDefault() {
			to = "default"
		}
		d.Routes = append(d.Routes, netplanRoute{To: to, Via: r.NextHopAddress, Metric: r.Metric, Table: r.TableID})
	}

	if managed.DNS != nil {
		ns := &netplanNameservers{
			Addresses: append([]string(nil), managed.DNS.Config.Servers...),
			Search:    append([]string(nil), managed.DNS.Config.Search...),
		}
		carriers := dnsCarriers(managed, current)
		if len(carriers) == 0 {
			return nil, errors.NewValidationError("dns-resolver needs an interface to attach to on netplan", nil)
		}
		for _, name := range carriers {
			device(name).Nameservers = ns
		}
	}

	for name, d := range devices {
		switch types[name] {
		case entities.InterfaceTypeBond:
			doc.Network.Bonds = put(doc.Network.Bonds, name, *d)
		case entities.InterfaceTypeBridge:
			doc.Network.Bridges = put(doc.Network.Bridges, name, *d)
		case entities.InterfaceTypeVLAN:
			doc.Network.VLANs = put(doc.Network.VLANs, name, *d)
		case entities.InterfaceTypeDummy:
			doc.Network.Dummies = put(doc.Network.Dummies, name, *d)
		default:
			doc.Network.Ethernets = put(doc.Network.Ethernets, name, *d)
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.NewSystemError("failed to render netplan document", err)
	}
	return out, nil
}

// dnsCarriers picks the interfaces that carry nameservers: managed interfaces with IP
// enabled that are not ports, or else the interface of the current default route
func dnsCarriers(managed, current entities.NetworkState) []string {
	var names []string
	for _, iface := range managed.Interfaces {
		if iface.Controller != "" || iface.Type == entities.InterfaceTypeDummy {
			continue
		}
		if (iface.IPv4 != nil && iface.IPv4.Enabled) || (iface.IPv6 != nil && iface.IPv6.Enabled) {
			names = append(names, iface.Name)
		}
	}
	if len(names) == 0 {
		for _, r := range current.RouteList() {
			if r.IsDefault() && r.NextHopInterface != "" {
				names = append(names, r.NextHopInterface)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

func cidrs(cfg *entities.IPConfig) []string {
	if !cfg.Enabled {
		return nil
	}
	out := make([]string, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		out = append(out, a.IP+"/"+strconv.Itoa(a.PrefixLength))
	}
	return out
}

func put(m map[string]netplanDevice, name string, d netplanDevice) map[string]netplanDevice {
	if m == nil {
		m = make(map[string]netplanDevice)
	}
	m[name] = d
	return m
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
