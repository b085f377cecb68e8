package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
interfaces:
  - name: eth1
    type: ethernet
    state: up
    mtu: 9000
    ipv4:
      enabled: true
      address:
        - ip: 192.168.10.5
          prefix-length: 24
  - name: eth1.100
    type: vlan
    vlan:
      base-iface: eth1
      id: 100
routes:
  config:
    - destination: 10.0.0.0/8
      next-hop-interface: eth1
      next-hop-address: 192.168.10.1
dns-resolver:
  config:
    server: [1.1.1.1, 8.8.8.8]
`

func TestParseNetworkState(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
		check     func(t *testing.T, s NetworkState)
	}{
		{
			name:  "YAML 문서",
			input: sampleYAML,
			check: func(t *testing.T, s NetworkState) {
				require.Len(t, s.Interfaces, 2)
				assert.Equal(t, 9000, s.Interfaces[0].MTU)
				assert.Equal(t, "eth1", s.Interfaces[1].VLAN.BaseIface)
				require.NotNil(t, s.Routes)
				assert.Equal(t, "192.168.10.1", s.Routes.Config[0].NextHopAddress)
				require.NotNil(t, s.DNS)
				assert.Equal(t, []string{"1.1.1.1", "8.8.8.8"}, s.DNS.Config.Servers)
			},
		},
		{
			name:  "JSON 문서",
			input: `{"interfaces":[{"name":"bond0","type":"bond","link-aggregation":{"mode":"active-backup","port":["eth1","eth2"]}}]}`,
			check: func(t *testing.T, s NetworkState) {
				require.Len(t, s.Interfaces, 1)
				assert.Equal(t, InterfaceTypeBond, s.Interfaces[0].Type)
				assert.Equal(t, []string{"eth1", "eth2"}, s.Interfaces[0].LinkAggregation.Ports)
				assert.Nil(t, s.DNS)
			},
		},
		{
			name:      "잘못된 JSON",
			input:     `{"interfaces": [`,
			wantError: true,
		},
		{
			name:      "잘못된 YAML",
			input:     "interfaces: 5",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := ParseNetworkState([]byte(tt.input))
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, state)
		})
	}
}

func TestNetworkState_CloneIsIndependent(t *testing.T) {
	original, err := ParseNetworkState([]byte(sampleYAML))
	require.NoError(t, err)

	copied := original.Clone()
	copied.Interfaces[0].IPv4.Addresses[0].IP = "10.9.9.9"
	copied.Routes.Config[0].Metric = 500
	copied.DNS.Config.Servers[0] = "9.9.9.9"

	assert.Equal(t, "192.168.10.5", original.Interfaces[0].IPv4.Addresses[0].IP)
	assert.Equal(t, 0, original.Routes.Config[0].Metric)
	assert.Equal(t, "1.1.1.1", original.DNS.Config.Servers[0])
}

func TestNetworkState_FilterInterface(t *testing.T) {
	state, err := ParseNetworkState([]byte(sampleYAML))
	require.NoError(t, err)

	filtered, ok := state.FilterInterface("eth1")
	require.True(t, ok)
	require.Len(t, filtered.Interfaces, 1)
	assert.Equal(t, "eth1", filtered.Interfaces[0].Name)
	require.NotNil(t, filtered.Routes)
	assert.Len(t, filtered.Routes.Config, 1)

	_, ok = state.FilterInterface("eth9")
	assert.False(t, ok)
}

func TestInterface_EqualIgnoresOrdering(t *testing.T) {
	a := Interface{
		Name: "bond0", Type: InterfaceTypeBond,
		LinkAggregation: &BondConfig{Mode: "802.3ad", Ports: []string{"eth1", "eth2"}},
		IPv4: &IPConfig{Enabled: true, Addresses: []IPAddress{
			{IP: "10.0.0.1", PrefixLength: 24}, {IP: "10.0.0.2", PrefixLength: 24},
		}},
	}
	b := a.Clone()
	b.State = InterfaceStateUp
	b.LinkAggregation.Ports = []string{"eth2", "eth1"}
	b.IPv4.Addresses = []IPAddress{{IP: "10.0.0.2", PrefixLength: 24}, {IP: "10.0.0.1", PrefixLength: 24}}

	assert.True(t, a.Equal(b))

	b.MTU = 1400
	assert.False(t, a.Equal(b))
}

func TestInterface_Merge(t *testing.T) {
	current := Interface{
		Name: "eth0", Type: InterfaceTypeEthernet, State: InterfaceStateUp, MTU: 1500,
		MACAddress: "52:54:00:aa:bb:cc",
		IPv4:       &IPConfig{Enabled: true, DHCP: true},
	}

	merged := current.Merge(Interface{Name: "eth0", MTU: 9000})

	assert.Equal(t, 9000, merged.MTU)
	assert.Equal(t, InterfaceTypeEthernet, merged.Type)
	assert.Equal(t, "52:54:00:aa:bb:cc", merged.MACAddress)
	require.NotNil(t, merged.IPv4)
	assert.True(t, merged.IPv4.DHCP)
	assert.Equal(t, 1500, current.MTU)
}

func TestStateChange_DesiredState(t *testing.T) {
	vlan := Interface{Name: "eth1.100", Type: InterfaceTypeVLAN, VLAN: &VLANConfig{BaseIface: "eth1", ID: 100}}
	dummy := Interface{Name: "dummy0", Type: InterfaceTypeDummy}
	route := Route{Destination: "10.0.0.0/8", NextHopInterface: "eth1"}
	dns := DNSConfig{Servers: []string{"1.1.1.1"}}

	change := StateChange{Changes: []Change{
		{Kind: ChangeKindInterface, Op: ChangeOpDelete, Name: "dummy0", CurrentInterface: &dummy},
		{Kind: ChangeKindRoute, Op: ChangeOpDelete, Name: route.Key(), Route: &route},
		{Kind: ChangeKindDNS, Op: ChangeOpModify, Name: "dns", DesiredDNS: &dns},
		{Kind: ChangeKindInterface, Op: ChangeOpCreate, Name: "eth1.100", DesiredInterface: &vlan},
	}}

	desired := change.DesiredState()

	require.Len(t, desired.Interfaces, 2)
	assert.Equal(t, InterfaceStateAbsent, desired.Interfaces[0].State)
	assert.Equal(t, InterfaceTypeDummy, desired.Interfaces[0].Type)
	assert.Equal(t, "eth1.100", desired.Interfaces[1].Name)
	require.NotNil(t, desired.Routes)
	assert.True(t, desired.Routes.Config[0].IsAbsent())
	require.NotNil(t, desired.DNS)
	assert.Equal(t, []string{"1.1.1.1"}, desired.DNS.Config.Servers)
}

func TestVerificationPolicy_Requires(t *testing.T) {
	risky := StateChange{Changes: []Change{{Risk: RiskConnectivityRisk}}}
	safe := StateChange{Changes: []Change{{Risk: RiskSafe}}}

	tests := []struct {
		name   string
		mode   VerificationMode
		change StateChange
		want   bool
	}{
		{"auto - connectivity-risk 포함", VerificationAuto, risky, true},
		{"auto - 안전한 변경", VerificationAuto, safe, false},
		{"빈 모드는 auto", "", risky, true},
		{"always", VerificationAlways, safe, true},
		{"always - 빈 변경", VerificationAlways, StateChange{}, false},
		{"never", VerificationNever, risky, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerificationPolicy{Mode: tt.mode}.Requires(tt.change))
		})
	}
}
