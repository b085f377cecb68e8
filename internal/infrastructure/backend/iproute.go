package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
)

// ipLink mirrors one entry of `ip -j -d addr show`
type ipLink struct {
	IfName   string   `json:"ifname"`
	Flags    []string `json:"flags"`
	MTU      int      `json:"mtu"`
	LinkType string   `json:"link_type"`
	Address  string   `json:"address"`
	Master   string   `json:"master"`
	Link     string   `json:"link"`
	LinkInfo *struct {
		InfoKind string `json:"info_kind"`
		InfoData struct {
			ID   int    `json:"id"`
			Mode string `json:"mode"`
		} `json:"info_data"`
	} `json:"linkinfo"`
	AddrInfo []struct {
		Family    string `json:"family"`
		Local     string `json:"local"`
		PrefixLen int    `json:"prefixlen"`
		Scope     string `json:"scope"`
		Dynamic   bool   `json:"dynamic"`
	} `json:"addr_info"`
}

// ipRoute mirrors one entry of `ip -j route show`
type ipRoute struct {
	Type     string `json:"type"`
	Dst      string `json:"dst"`
	Gateway  string `json:"gateway"`
	Dev      string `json:"dev"`
	Protocol string `json:"protocol"`
	Metric   int    `json:"metric"`
}

func parseIPLinks(output []byte) ([]entities.Interface, error) {
	var links []ipLink
	if err := json.Unmarshal(output, &links); err != nil {
		return nil, errors.NewSystemError("failed to parse ip addr output", err)
	}

	result := make([]entities.Interface, 0, len(links))
	index := make(map[string]int, len(links))
	for _, link := range links {
		iface := entities.Interface{
			Name:       link.IfName,
			Type:       linkType(link),
			State:      entities.InterfaceStateDown,
			MTU:        link.MTU,
			MACAddress: strings.ToUpper(link.Address),
			Controller: link.Master,
		}
		if iface.Type == entities.InterfaceTypeLoopback {
			iface.MACAddress = ""
		}
		for _, flag := range link.Flags {
			if flag == "UP" {
				iface.State = entities.InterfaceStateUp
			}
		}

		switch iface.Type {
		case entities.InterfaceTypeVLAN:
			iface.VLAN = &entities.VLANConfig{BaseIface: link.Link, ID: link.LinkInfo.InfoData.ID}
		case entities.InterfaceTypeBond:
			iface.LinkAggregation = &entities.BondConfig{Mode: link.LinkInfo.InfoData.Mode}
		case entities.InterfaceTypeBridge:
			iface.Bridge = &entities.BridgeConfig{}
		}

		iface.IPv4 = &entities.IPConfig{}
		iface.IPv6 = &entities.IPConfig{}
		for _, addr := range link.AddrInfo {
			cfg := iface.IPv4
			if addr.Family == "inet6" {
				cfg = iface.IPv6
			}
			cfg.Enabled = true
			if addr.Dynamic {
				// leased addresses belong to DHCP and are not part of the static config
				cfg.DHCP = true
				continue
			}
			if addr.Family == "inet6" && addr.Scope == "link" {
				continue
			}
			cfg.Addresses = append(cfg.Addresses, entities.IPAddress{IP: addr.Local, PrefixLength: addr.PrefixLen})
		}

		index[iface.Name] = len(result)
		result = append(result, iface)
	}

	// ports are reported on the port side only
	for _, iface := range result {
		if iface.Controller == "" {
			continue
		}
		i, ok := index[iface.Controller]
		if !ok {
			continue
		}
		controller := &result[i]
		switch controller.Type {
		case entities.InterfaceTypeBond:
			controller.LinkAggregation.Ports = append(controller.LinkAggregation.Ports, iface.Name)
		case entities.InterfaceTypeBridge:
			controller.Bridge.Ports = append(controller.Bridge.Ports, entities.BridgePort{Name: iface.Name})
		}
	}
	return result, nil
}

func linkType(link ipLink) entities.InterfaceType {
	if link.LinkType == "loopback" {
		return entities.InterfaceTypeLoopback
	}
	if link.LinkInfo == nil || link.LinkInfo.InfoKind == "" {
		return entities.InterfaceTypeEthernet
	}
	if link.LinkInfo.InfoKind == "bridge" {
		return entities.InterfaceTypeBridge
	}
	return entities.InterfaceType(link.LinkInfo.InfoKind)
}

// parseIPRoutes converts `ip -j route` output, dropping kernel-generated and non-unicast routes
func parseIPRoutes(output []byte, ipv6 bool) ([]entities.Route, error) {
	if len(bytes.TrimSpace(output)) == 0 {
		return nil, nil
	}
	var routes []ipRoute
	if err := json.Unmarshal(output, &routes); err != nil {
		return nil, errors.NewSystemError("failed to parse ip route output", err)
	}

	var result []entities.Route
	for _, r := range routes {
		if r.Protocol == "kernel" || (r.Type != "" && r.Type != "unicast") {
			continue
		}
		if ipv6 && strings.HasPrefix(r.Dst, "fe80:") {
			continue
		}
		result = append(result, entities.Route{
			Destination:      routeDestination(r.Dst, ipv6),
			NextHopInterface: r.Dev,
			NextHopAddress:   r.Gateway,
			Metric:           r.Metric,
		})
	}
	return result, nil
}

func routeDestination(dst string, ipv6 bool) string {
	switch {
	case dst == "default" && ipv6:
		return "::/0"
	case dst == "default":
		return "0.0.0.0/0"
	case strings.Contains(dst, "/"):
		return dst
	case ipv6:
		return dst + "/128"
	default:
		return dst + "/32"
	}
}

// parseResolvConf reads nameserver and search lines
func parseResolvConf(content []byte) entities.DNSConfig {
	var cfg entities.DNSConfig
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "nameserver":
			cfg.Servers = append(cfg.Servers, fields[1])
		case "search":
			cfg.Search = append(cfg.Search, fields[1:]...)
		}
	}
	return cfg
}
