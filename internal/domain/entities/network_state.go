package entities

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// InterfaceType은 인터페이스 종류를 나타냅니다
type InterfaceType string

const (
	InterfaceTypeEthernet InterfaceType = "ethernet"
	InterfaceTypeBond     InterfaceType = "bond"
	InterfaceTypeBridge   InterfaceType = "linux-bridge"
	InterfaceTypeVLAN     InterfaceType = "vlan"
	InterfaceTypeDummy    InterfaceType = "dummy"
	InterfaceTypeLoopback InterfaceType = "loopback"
)

// IsVirtual은 백엔드가 직접 생성/삭제하는 가상 인터페이스인지 확인합니다
func (t InterfaceType) IsVirtual() bool {
	switch t {
	case InterfaceTypeBond, InterfaceTypeBridge, InterfaceTypeVLAN, InterfaceTypeDummy:
		return true
	}
	return false
}

// Valid는 지원하는 인터페이스 타입인지 확인합니다
func (t InterfaceType) Valid() bool {
	switch t {
	case "", InterfaceTypeEthernet, InterfaceTypeBond, InterfaceTypeBridge,
		InterfaceTypeVLAN, InterfaceTypeDummy, InterfaceTypeLoopback:
		return true
	}
	return false
}

// InterfaceState는 인터페이스의 관리 상태를 나타냅니다
type InterfaceState string

const (
	InterfaceStateUp     InterfaceState = "up"
	InterfaceStateDown   InterfaceState = "down"
	InterfaceStateAbsent InterfaceState = "absent"
)

// Valid는 지원하는 상태 값인지 확인합니다
func (s InterfaceState) Valid() bool {
	switch s {
	case "", InterfaceStateUp, InterfaceStateDown, InterfaceStateAbsent:
		return true
	}
	return false
}

// NetworkState는 nmstate 형식의 선언적 네트워크 상태입니다.
// desired state로 쓰일 때는 부분 문서이며, 언급되지 않은 인터페이스는 건드리지 않습니다.
type NetworkState struct {
	Interfaces []Interface   `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	Routes     *RouteSection `json:"routes,omitempty" yaml:"routes,omitempty"`
	DNS        *DNSSection   `json:"dns-resolver,omitempty" yaml:"dns-resolver,omitempty"`
}

// Interface는 단일 네트워크 인터페이스 설정입니다
type Interface struct {
	Name            string           `json:"name" yaml:"name"`
	Type            InterfaceType    `json:"type,omitempty" yaml:"type,omitempty"`
	State           InterfaceState   `json:"state,omitempty" yaml:"state,omitempty"`
	MTU             int              `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	MACAddress      string           `json:"mac-address,omitempty" yaml:"mac-address,omitempty"`
	Controller      string           `json:"controller,omitempty" yaml:"controller,omitempty"`
	IPv4            *IPConfig        `json:"ipv4,omitempty" yaml:"ipv4,omitempty"`
	IPv6            *IPConfig        `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	VLAN            *VLANConfig      `json:"vlan,omitempty" yaml:"vlan,omitempty"`
	LinkAggregation *BondConfig      `json:"link-aggregation,omitempty" yaml:"link-aggregation,omitempty"`
	Bridge          *BridgeConfig    `json:"bridge,omitempty" yaml:"bridge,omitempty"`
}

// IPConfig는 IPv4/IPv6 주소 설정입니다
type IPConfig struct {
	Enabled   bool        `json:"enabled" yaml:"enabled"`
	DHCP      bool        `json:"dhcp,omitempty" yaml:"dhcp,omitempty"`
	Addresses []IPAddress `json:"address,omitempty" yaml:"address,omitempty"`
}

// IPAddress는 접두사 길이를 포함한 정적 주소입니다
type IPAddress struct {
	IP           string `json:"ip" yaml:"ip"`
	PrefixLength int    `json:"prefix-length" yaml:"prefix-length"`
}

// VLANConfig는 VLAN 인터페이스 설정입니다
type VLANConfig struct {
	BaseIface string `json:"base-iface" yaml:"base-iface"`
	ID        int    `json:"id" yaml:"id"`
}

// BondConfig는 본딩 인터페이스 설정입니다
type BondConfig struct {
	Mode  string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Ports []string `json:"port,omitempty" yaml:"port,omitempty"`
}

// BridgeConfig는 리눅스 브리지 설정입니다
type BridgeConfig struct {
	Ports []BridgePort `json:"port,omitempty" yaml:"port,omitempty"`
}

// BridgePort는 브리지 포트입니다
type BridgePort struct {
	Name string `json:"name" yaml:"name"`
}

// RouteSection은 nmstate의 routes 섹션입니다
type RouteSection struct {
	Config []Route `json:"config,omitempty" yaml:"config,omitempty"`
}

// Route는 단일 라우트 항목입니다
type Route struct {
	Destination      string `json:"destination" yaml:"destination"`
	NextHopInterface string `json:"next-hop-interface,omitempty" yaml:"next-hop-interface,omitempty"`
	NextHopAddress   string `json:"next-hop-address,omitempty" yaml:"next-hop-address,omitempty"`
	Metric           int    `json:"metric,omitempty" yaml:"metric,omitempty"`
	TableID          int    `json:"table-id,omitempty" yaml:"table-id,omitempty"`
	State            string `json:"state,omitempty" yaml:"state,omitempty"`
}

// RouteStateAbsent는 라우트 삭제를 나타내는 state 값입니다
const RouteStateAbsent = "absent"

// DNSSection은 nmstate의 dns-resolver 섹션입니다
type DNSSection struct {
	Config DNSConfig `json:"config" yaml:"config"`
}

// DNSConfig는 리졸버 설정입니다
type DNSConfig struct {
	Servers []string `json:"server,omitempty" yaml:"server,omitempty"`
	Search  []string `json:"search,omitempty" yaml:"search,omitempty"`
}

// ParseNetworkState는 YAML 또는 JSON 문서를 NetworkState로 디코딩합니다.
// JSON은 YAML의 부분집합이므로 yaml 디코더 하나로 두 형식을 모두 처리합니다.
func ParseNetworkState(data []byte) (NetworkState, error) {
	var state NetworkState
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &state); err != nil {
			return NetworkState{}, err
		}
		return state, nil
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return NetworkState{}, err
	}
	return state, nil
}

// YAML은 상태를 YAML 문서로 직렬화합니다
func (s NetworkState) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// Interface는 이름으로 인터페이스를 찾습니다
func (s NetworkState) Interface(name string) (Interface, bool) {
	for _, iface := range s.Interfaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}

// RouteList는 routes.config 목록을 반환합니다 (섹션이 없으면 nil)
func (s NetworkState) RouteList() []Route {
	if s.Routes == nil {
		return nil
	}
	return s.Routes.Config
}

// FilterInterface는 지정한 인터페이스와 그 인터페이스를 사용하는 라우트만 남긴 복사본을 반환합니다
func (s NetworkState) FilterInterface(name string) (NetworkState, bool) {
	iface, ok := s.Interface(name)
	if !ok {
		return NetworkState{}, false
	}
	filtered := NetworkState{Interfaces: []Interface{iface.Clone()}}
	var routes []Route
	for _, r := range s.RouteList() {
		if r.NextHopInterface == name {
			routes = append(routes, r)
		}
	}
	if len(routes) > 0 {
		filtered.Routes = &RouteSection{Config: routes}
	}
	return filtered, true
}

// Clone은 깊은 복사본을 반환합니다
func (s NetworkState) Clone() NetworkState {
	out := NetworkState{}
	if s.Interfaces != nil {
		out.Interfaces = make([]Interface, len(s.Interfaces))
		for i, iface := range s.Interfaces {
			out.Interfaces[i] = iface.Clone()
		}
	}
	if s.Routes != nil {
		out.Routes = &RouteSection{Config: append([]Route(nil), s.Routes.Config...)}
	}
	if s.DNS != nil {
		out.DNS = &DNSSection{Config: s.DNS.Config.Clone()}
	}
	return out
}

// Normalized는 인터페이스와 라우트를 정렬한 복사본을 반환합니다. 비교와 렌더링의 결정성을 위해 사용합니다.
func (s NetworkState) Normalized() NetworkState {
	out := s.Clone()
	sort.Slice(out.Interfaces, func(i, j int) bool { return out.Interfaces[i].Name < out.Interfaces[j].Name })
	if out.Routes != nil {
		sort.Slice(out.Routes.Config, func(i, j int) bool { return out.Routes.Config[i].Key() < out.Routes.Config[j].Key() })
	}
	return out
}

// Clone은 인터페이스의 깊은 복사본을 반환합니다
func (i Interface) Clone() Interface {
	out := i
	if i.IPv4 != nil {
		v := i.IPv4.Clone()
		out.IPv4 = &v
	}
	if i.IPv6 != nil {
		v := i.IPv6.Clone()
		out.IPv6 = &v
	}
	if i.VLAN != nil {
		v := *i.VLAN
		out.VLAN = &v
	}
	if i.LinkAggregation != nil {
		v := BondConfig{Mode: i.LinkAggregation.Mode, Ports: append([]string(nil), i.LinkAggregation.Ports...)}
		out.LinkAggregation = &v
	}
	if i.Bridge != nil {
		v := BridgeConfig{Ports: append([]BridgePort(nil), i.Bridge.Ports...)}
		out.Bridge = &v
	}
	return out
}

// Merge는 desired에 명시된 필드만 현재 인터페이스 위에 덮어쓴 새 인터페이스를 반환합니다
func (i Interface) Merge(desired Interface) Interface {
	out := i.Clone()
	if desired.Type != "" {
		out.Type = desired.Type
	}
	if desired.State != "" {
		out.State = desired.State
	}
	if desired.MTU != 0 {
		out.MTU = desired.MTU
	}
	if desired.MACAddress != "" {
		out.MACAddress = desired.MACAddress
	}
	if desired.Controller != "" {
		out.Controller = desired.Controller
	}
	if desired.IPv4 != nil {
		v := desired.IPv4.Clone()
		out.IPv4 = &v
	}
	if desired.IPv6 != nil {
		v := desired.IPv6.Clone()
		out.IPv6 = &v
	}
	if desired.VLAN != nil {
		v := *desired.VLAN
		out.VLAN = &v
	}
	if desired.LinkAggregation != nil {
		v := BondConfig{Mode: desired.LinkAggregation.Mode, Ports: append([]string(nil), desired.LinkAggregation.Ports...)}
		out.LinkAggregation = &v
	}
	if desired.Bridge != nil {
		v := BridgeConfig{Ports: append([]BridgePort(nil), desired.Bridge.Ports...)}
		out.Bridge = &v
	}
	return out
}

// Equal은 두 인터페이스를 구조적으로 비교합니다. 포트와 주소 목록은 순서와 무관하게 비교합니다.
func (i Interface) Equal(o Interface) bool {
	if i.Name != o.Name || i.Type != o.Type || effectiveState(i.State) != effectiveState(o.State) ||
		i.MTU != o.MTU || !strings.EqualFold(i.MACAddress, o.MACAddress) || i.Controller != o.Controller {
		return false
	}
	if !i.IPv4.Equal(o.IPv4) || !i.IPv6.Equal(o.IPv6) {
		return false
	}
	if (i.VLAN == nil) != (o.VLAN == nil) || (i.VLAN != nil && *i.VLAN != *o.VLAN) {
		return false
	}
	if (i.LinkAggregation == nil) != (o.LinkAggregation == nil) {
		return false
	}
	if i.LinkAggregation != nil {
		if i.LinkAggregation.Mode != o.LinkAggregation.Mode ||
			!sameStrings(i.LinkAggregation.Ports, o.LinkAggregation.Ports) {
			return false
		}
	}
	if (i.Bridge == nil) != (o.Bridge == nil) {
		return false
	}
	if i.Bridge != nil && !sameStrings(i.Bridge.PortNames(), o.Bridge.PortNames()) {
		return false
	}
	return true
}

// PortNames는 브리지 포트 이름 목록을 반환합니다
func (b *BridgeConfig) PortNames() []string {
	if b == nil {
		return nil
	}
	names := make([]string, 0, len(b.Ports))
	for _, p := range b.Ports {
		names = append(names, p.Name)
	}
	return names
}

// Clone은 IP 설정의 복사본을 반환합니다
func (c IPConfig) Clone() IPConfig {
	return IPConfig{Enabled: c.Enabled, DHCP: c.DHCP, Addresses: append([]IPAddress(nil), c.Addresses...)}
}

// Equal은 두 IP 설정을 비교합니다 (nil은 nil과만 같습니다)
func (c *IPConfig) Equal(o *IPConfig) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	if c.Enabled != o.Enabled || c.DHCP != o.DHCP {
		return false
	}
	return sameStrings(addressKeys(c.Addresses), addressKeys(o.Addresses))
}

// HasAddress는 주어진 IP가 설정에 있는지 확인합니다
func (c *IPConfig) HasAddress(ip string) bool {
	if c == nil {
		return false
	}
	for _, a := range c.Addresses {
		if a.IP == ip {
			return true
		}
	}
	return false
}

// Key는 라우트의 식별 키입니다. metric과 state는 키에 포함되지 않습니다.
func (r Route) Key() string {
	return strings.Join([]string{
		r.Destination,
		r.NextHopInterface,
		r.NextHopAddress,
		itoa(r.TableID),
	}, "|")
}

// String은 사람이 읽을 수 있는 라우트 표현입니다 (ip route 형식)
func (r Route) String() string {
	parts := []string{r.Destination}
	if r.NextHopAddress != "" {
		parts = append(parts, "via", r.NextHopAddress)
	}
	if r.NextHopInterface != "" {
		parts = append(parts, "dev", r.NextHopInterface)
	}
	if r.TableID != 0 {
		parts = append(parts, "table", itoa(r.TableID))
	}
	return strings.Join(parts, " ")
}

// Matches는 absent 라우트가 현재 라우트에 해당하는지 확인합니다. 비어 있는 필드는 와일드카드입니다.
func (r Route) Matches(other Route) bool {
	if r.Destination != "" && r.Destination != other.Destination {
		return false
	}
	if r.NextHopInterface != "" && r.NextHopInterface != other.NextHopInterface {
		return false
	}
	if r.NextHopAddress != "" && r.NextHopAddress != other.NextHopAddress {
		return false
	}
	if r.TableID != 0 && r.TableID != other.TableID {
		return false
	}
	return true
}

// IsDefault는 기본 라우트인지 확인합니다
func (r Route) IsDefault() bool {
	return r.Destination == "0.0.0.0/0" || r.Destination == "::/0" || r.Destination == "default"
}

// IsAbsent는 삭제 요청된 라우트인지 확인합니다
func (r Route) IsAbsent() bool {
	return r.State == RouteStateAbsent
}

// Clone은 DNS 설정의 복사본을 반환합니다
func (d DNSConfig) Clone() DNSConfig {
	return DNSConfig{Servers: append([]string(nil), d.Servers...), Search: append([]string(nil), d.Search...)}
}

// Equal은 DNS 설정을 순서까지 포함해 비교합니다 (리졸버 순서는 의미가 있습니다)
func (d DNSConfig) Equal(o DNSConfig) bool {
	return orderedEqual(d.Servers, o.Servers) && orderedEqual(d.Search, o.Search)
}

func effectiveState(s InterfaceState) InterfaceState {
	if s == "" {
		return InterfaceStateUp
	}
	return s
}

func addressKeys(addrs []IPAddress) []string {
	keys := make([]string, 0, len(addrs))
	for _, a := range addrs {
		keys = append(keys, a.IP+"/"+itoa(a.PrefixLength))
	}
	return keys
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return orderedEqual(as, bs)
}

func orderedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// ShowOptions는 상태 조회 방식을 바꾸는 옵션입니다
type ShowOptions struct {
	// KernelOnly는 NetworkManager를 거치지 않고 커널 상태만 조회합니다
	KernelOnly bool `json:"kernel_only,omitempty"`
	// RunningConfig는 런타임 상태 대신 적용된 설정을 조회합니다
	RunningConfig bool `json:"running_config,omitempty"`
	// ShowSecrets는 숨김 처리되는 비밀 값을 그대로 보여 줍니다
	ShowSecrets bool `json:"show_secrets,omitempty"`
}

// IsZero는 기본 조회인지 확인합니다
func (o ShowOptions) IsZero() bool {
	return o == (ShowOptions{})
}
