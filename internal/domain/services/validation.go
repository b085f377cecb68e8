package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/pkg/utils"

	"github.com/go-playground/validator/v10"
)

var fieldValidator = validator.New()

// ValidateDesired는 desired state가 적용 가능한 문서인지 검증합니다.
// 참조 대상(VLAN base, controller, 포트, 라우트 next-hop 인터페이스)은
// 적용 후에 존재할 인터페이스, 즉 (현재 ∪ desired) - absent 안에 있어야 합니다.
// 발견한 문제를 모두 모아 하나의 ValidationError로 반환합니다.
func ValidateDesired(current, desired entities.NetworkState) error {
	var problems []error
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	seen := make(map[string]bool)
	removed := make(map[string]bool)
	for _, iface := range desired.Interfaces {
		if iface.Name == "" {
			add("interface with empty name")
			continue
		}
		if seen[iface.Name] {
			add("duplicate interface %q", iface.Name)
		}
		seen[iface.Name] = true
		if iface.State == entities.InterfaceStateAbsent {
			removed[iface.Name] = true
		}
	}

	exists := func(name string) bool {
		if removed[name] {
			return false
		}
		if seen[name] {
			return true
		}
		_, ok := current.Interface(name)
		return ok
	}

	for _, iface := range desired.Interfaces {
		if iface.Name == "" {
			continue
		}
		if err := utils.ValidateInterfaceName(iface.Name); err != nil {
			add("interface %q: %v", iface.Name, err)
		}
		if !iface.Type.Valid() {
			add("interface %q: unknown type %q", iface.Name, iface.Type)
		}
		if !iface.State.Valid() {
			add("interface %q: unknown state %q", iface.Name, iface.State)
		}
		if iface.State == entities.InterfaceStateAbsent {
			continue
		}
		if iface.MTU < 0 || iface.MTU > 65535 || (iface.MTU > 0 && iface.MTU < 68) {
			add("interface %q: mtu %d out of range", iface.Name, iface.MTU)
		}
		if iface.MACAddress != "" && fieldValidator.Var(iface.MACAddress, "mac") != nil {
			add("interface %q: invalid mac-address %q", iface.Name, iface.MACAddress)
		}
		validateIP(iface.Name, "ipv4", iface.IPv4, 32, add)
		validateIP(iface.Name, "ipv6", iface.IPv6, 128, add)

		_, existing := current.Interface(iface.Name)
		if iface.Type == entities.InterfaceTypeVLAN && iface.VLAN == nil && !existing {
			add("vlan interface %q: missing vlan section", iface.Name)
		}
		if iface.VLAN != nil {
			if iface.VLAN.ID < 1 || iface.VLAN.ID > 4094 {
				add("vlan interface %q: id %d out of range 1..4094", iface.Name, iface.VLAN.ID)
			}
			if iface.VLAN.BaseIface == "" || !exists(iface.VLAN.BaseIface) {
				add("vlan interface %q: base-iface %q does not exist", iface.Name, iface.VLAN.BaseIface)
			}
		}
		if iface.Controller != "" && !exists(iface.Controller) {
			add("interface %q: controller %q does not exist", iface.Name, iface.Controller)
		}
		if iface.LinkAggregation != nil {
			for _, port := range iface.LinkAggregation.Ports {
				if !exists(port) {
					add("bond %q: port %q does not exist", iface.Name, port)
				}
			}
		}
		for _, port := range iface.Bridge.PortNames() {
			if !exists(port) {
				add("bridge %q: port %q does not exist", iface.Name, port)
			}
		}
	}

	// 삭제되는 인터페이스 위에 남아 있는 VLAN
	for _, cur := range current.Interfaces {
		if cur.VLAN == nil || !removed[cur.VLAN.BaseIface] || removed[cur.Name] {
			continue
		}
		add("interface %q is removed but vlan %q still uses it", cur.VLAN.BaseIface, cur.Name)
	}

	routeKeys := make(map[string]bool)
	for _, route := range desired.RouteList() {
		validateRoute(route, exists, add)
		if route.IsAbsent() {
			continue
		}
		if routeKeys[route.Key()] {
			add("duplicate route %q", route.String())
		}
		routeKeys[route.Key()] = true
	}

	if desired.DNS != nil {
		for _, server := range desired.DNS.Config.Servers {
			if fieldValidator.Var(server, "ip") != nil {
				add("dns-resolver: invalid server %q", server)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Error() < problems[j].Error() })
	msgs := make([]string, 0, len(problems))
	for _, p := range problems {
		msgs = append(msgs, p.Error())
	}
	return domainErrors.NewValidationError(
		fmt.Sprintf("invalid desired state: %s", strings.Join(msgs, "; ")),
		errors.Join(problems...),
	)
}

func validateIP(name, family string, cfg *entities.IPConfig, maxPrefix int, add func(string, ...interface{})) {
	if cfg == nil {
		return
	}
	tag := "ipv4"
	if maxPrefix == 128 {
		tag = "ipv6"
	}
	for _, addr := range cfg.Addresses {
		if fieldValidator.Var(addr.IP, tag) != nil {
			add("interface %q: invalid %s address %q", name, family, addr.IP)
		}
		if addr.PrefixLength < 0 || addr.PrefixLength > maxPrefix {
			add("interface %q: %s prefix-length %d out of range 0..%d", name, family, addr.PrefixLength, maxPrefix)
		}
	}
	if len(cfg.Addresses) > 0 && !cfg.Enabled {
		add("interface %q: %s addresses given but %s is disabled", name, family, family)
	}
}

func validateRoute(route entities.Route, exists func(string) bool, add func(string, ...interface{})) {
	label := route.String()
	if route.State != "" && !route.IsAbsent() {
		add("route %q: unknown state %q", label, route.State)
	}
	if route.IsAbsent() {
		if route.Destination != "" && fieldValidator.Var(route.Destination, "cidr") != nil {
			add("route %q: invalid destination", label)
		}
		return
	}
	if fieldValidator.Var(route.Destination, "cidr") != nil {
		add("route %q: invalid destination %q", label, route.Destination)
	}
	if route.NextHopAddress != "" && fieldValidator.Var(route.NextHopAddress, "ip") != nil {
		add("route %q: invalid next-hop-address %q", label, route.NextHopAddress)
	}
	if route.NextHopInterface == "" {
		add("route %q: next-hop-interface is required", label)
	} else if !exists(route.NextHopInterface) {
		add("route %q: next-hop-interface %q does not exist", label, route.NextHopInterface)
	}
	if route.Metric < 0 || route.TableID < 0 {
		add("route %q: negative metric or table-id", label)
	}
}
