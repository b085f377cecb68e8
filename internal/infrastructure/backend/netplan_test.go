package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/infrastructure/adapters"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const linksBefore = `[
  {"ifname": "lo", "flags": ["LOOPBACK", "UP"], "mtu": 65536, "link_type": "loopback", "address": "00:00:00:00:00:00",
   "addr_info": [{"family": "inet", "local": "127.0.0.1", "prefixlen": 8, "scope": "host"}]},
  {"ifname": "eth0", "flags": ["BROADCAST", "UP", "LOWER_UP"], "mtu": 1500, "link_type": "ether", "address": "52:54:00:aa:bb:01",
   "addr_info": [
     {"family": "inet", "local": "10.0.0.10", "prefixlen": 24, "scope": "global"},
     {"family": "inet6", "local": "fe80::1", "prefixlen": 64, "scope": "link"}
   ]},
  {"ifname": "eth1", "flags": ["BROADCAST", "UP", "LOWER_UP"], "mtu": 1500, "link_type": "ether", "address": "52:54:00:aa:bb:02", "addr_info": []}
]`

const linksAfter = `[
  {"ifname": "eth0", "flags": ["UP"], "mtu": 1500, "link_type": "ether", "address": "52:54:00:aa:bb:01",
   "addr_info": [{"family": "inet", "local": "10.0.0.10", "prefixlen": 24, "scope": "global"}]},
  {"ifname": "eth1", "flags": ["UP"], "mtu": 1500, "link_type": "ether", "address": "52:54:00:aa:bb:02", "addr_info": []},
  {"ifname": "eth1.100", "flags": ["UP"], "mtu": 1500, "link_type": "ether", "address": "52:54:00:aa:bb:02", "link": "eth1",
   "linkinfo": {"info_kind": "vlan", "info_data": {"protocol": "802.1Q", "id": 100}}, "addr_info": []}
]`

const routes4 = `[
  {"dst": "default", "gateway": "10.0.0.1", "dev": "eth0", "protocol": "static", "flags": []},
  {"dst": "10.0.0.0/24", "dev": "eth0", "protocol": "kernel", "scope": "link", "prefsrc": "10.0.0.10", "flags": []},
  {"type": "broadcast", "dst": "10.0.0.255", "dev": "eth0", "protocol": "kernel", "flags": []}
]`

const timeout = 5 * time.Second

func expectQuery(executor *MockCommandExecutor, links string) {
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "ip", "-j", "-d", "addr", "show").
		Return([]byte(links), nil).Once()
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "ip", "-j", "-4", "route", "show", "table", "main").
		Return([]byte(routes4), nil).Once()
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "ip", "-j", "-6", "route", "show", "table", "main").
		Return([]byte("[]"), nil).Once()
}

type netplanFixture struct {
	configDir string
	stateDir  string
	options   NetplanOptions
	clock     *adapters.FakeClock
}

func newNetplanFixture(t *testing.T) netplanFixture {
	root := t.TempDir()
	f := netplanFixture{
		configDir: filepath.Join(root, "netplan"),
		stateDir:  filepath.Join(root, "state"),
		clock:     adapters.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, os.MkdirAll(f.configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.configDir, "50-cloud-init.yaml"),
		[]byte("network:\n  version: 2\n  ethernets:\n    eth0:\n      dhcp4: false\n"), 0600))
	resolv := filepath.Join(root, "resolv.conf")
	require.NoError(t, os.WriteFile(resolv, []byte("# generated\nnameserver 10.0.0.2\nsearch example.com lab\n"), 0644))

	f.options = NetplanOptions{
		ConfigDir:      f.configDir,
		ConfigFile:     "90-nmstate-agent.yaml",
		StateDir:       f.stateDir,
		ResolvConf:     []string{filepath.Join(root, "missing.conf"), resolv},
		CommandTimeout: timeout,
	}
	return f
}

func (f netplanFixture) backend(executor *MockCommandExecutor) *NetplanBackend {
	return NewNetplanBackend(executor, adapters.NewRealFileSystem(), f.clock, quietLogger(), f.options)
}

func vlanCreate() entities.StateChange {
	return entities.StateChange{Changes: []entities.Change{{
		Kind: entities.ChangeKindInterface, Op: entities.ChangeOpCreate, Name: "eth1.100", Risk: entities.RiskSafe,
		DesiredInterface: &entities.Interface{
			Name: "eth1.100", Type: entities.InterfaceTypeVLAN, State: entities.InterfaceStateUp,
			VLAN: &entities.VLANConfig{BaseIface: "eth1", ID: 100},
			IPv4: &entities.IPConfig{Enabled: true, Addresses: []entities.IPAddress{{IP: "192.168.100.5", PrefixLength: 24}}},
		},
	}}}
}

func TestNetplanBackend_Query(t *testing.T) {
	f := newNetplanFixture(t)
	executor := new(MockCommandExecutor)
	expectQuery(executor, linksBefore)

	state, err := f.backend(executor).Query(context.Background())
	require.NoError(t, err)

	eth0, ok := state.Interface("eth0")
	require.True(t, ok)
	assert.Equal(t, entities.InterfaceStateUp, eth0.State)
	assert.Equal(t, "52:54:00:AA:BB:01", eth0.MACAddress)
	assert.True(t, eth0.IPv4.HasAddress("10.0.0.10"))
	assert.True(t, eth0.IPv6.Enabled)
	assert.Empty(t, eth0.IPv6.Addresses, "link-local 주소 제외")

	lo, ok := state.Interface("lo")
	require.True(t, ok)
	assert.Equal(t, entities.InterfaceTypeLoopback, lo.Type)

	routes := state.RouteList()
	require.Len(t, routes, 1, "kernel 및 broadcast 라우트 제외")
	assert.Equal(t, "0.0.0.0/0", routes[0].Destination)
	assert.Equal(t, "10.0.0.1", routes[0].NextHopAddress)

	require.NotNil(t, state.DNS)
	assert.Equal(t, []string{"10.0.0.2"}, state.DNS.Config.Servers)
	assert.Equal(t, []string{"example.com", "lab"}, state.DNS.Config.Search)
	executor.AssertExpectations(t)
}

func TestParseIPLinks_Relations(t *testing.T) {
	output := `[
	  {"ifname": "eth1", "flags": ["UP"], "mtu": 9000, "link_type": "ether", "address": "52:54:00:00:00:01", "master": "bond0",
	   "linkinfo": {"info_slave_kind": "bond"}, "addr_info": []},
	  {"ifname": "eth2", "flags": [], "mtu": 9000, "link_type": "ether", "address": "52:54:00:00:00:02", "master": "bond0", "addr_info": []},
	  {"ifname": "bond0", "flags": ["UP"], "mtu": 9000, "link_type": "ether", "address": "52:54:00:00:00:01",
	   "linkinfo": {"info_kind": "bond", "info_data": {"mode": "active-backup"}},
	   "addr_info": [{"family": "inet", "local": "10.1.0.7", "prefixlen": 24, "scope": "global", "dynamic": true}]},
	  {"ifname": "br0", "flags": ["UP"], "mtu": 1500, "link_type": "ether", "address": "52:54:00:00:00:09",
	   "linkinfo": {"info_kind": "bridge"}, "addr_info": []}
	]`

	ifaces, err := parseIPLinks([]byte(output))
	require.NoError(t, err)
	require.Len(t, ifaces, 4)

	bond := ifaces[2]
	assert.Equal(t, entities.InterfaceTypeBond, bond.Type)
	assert.Equal(t, "active-backup", bond.LinkAggregation.Mode)
	assert.ElementsMatch(t, []string{"eth1", "eth2"}, bond.LinkAggregation.Ports)
	assert.True(t, bond.IPv4.DHCP)
	assert.Empty(t, bond.IPv4.Addresses, "DHCP 임대 주소 제외")

	assert.Equal(t, entities.InterfaceStateDown, ifaces[1].State)
	assert.Equal(t, "bond0", ifaces[1].Controller)
	assert.Equal(t, entities.InterfaceTypeBridge, ifaces[3].Type)

	_, err = parseIPLinks([]byte("not json"))
	assert.True(t, domainErrors.IsSystemError(err))
}

func TestRenderNetplan(t *testing.T) {
	managed := entities.NetworkState{
		Interfaces: []entities.Interface{
			{Name: "bond0", Type: entities.InterfaceTypeBond, State: entities.InterfaceStateUp, MTU: 9000,
				LinkAggregation: &entities.BondConfig{Mode: "802.3ad", Ports: []string{"eth1", "eth2"}}},
			{Name: "bond0.10", Type: entities.InterfaceTypeVLAN, State: entities.InterfaceStateUp,
				VLAN: &entities.VLANConfig{BaseIface: "bond0", ID: 10},
				IPv4: &entities.IPConfig{Enabled: true, Addresses: []entities.IPAddress{{IP: "10.10.0.5", PrefixLength: 24}}}},
			{Name: "dummy0", Type: entities.InterfaceTypeDummy, State: entities.InterfaceStateDown},
		},
		Routes: &entities.RouteSection{Config: []entities.Route{
			{Destination: "0.0.0.0/0", NextHopInterface: "bond0.10", NextHopAddress: "10.10.0.1", Metric: 50},
			{Destination: "172.16.0.0/16", NextHopInterface: "eth0", NextHopAddress: "10.0.0.1"},
		}},
		DNS: &entities.DNSSection{Config: entities.DNSConfig{Servers: []string{"1.1.1.1"}, Search: []string{"lab"}}},
	}

	out, err := renderNetplan(managed, entities.NetworkState{}, "networkd")
	require.NoError(t, err)

	var doc netplanDoc
	require.NoError(t, yaml.Unmarshal(out, &doc))
	n := doc.Network
	assert.Equal(t, 2, n.Version)
	assert.Equal(t, "networkd", n.Renderer)

	bond := n.Bonds["bond0"]
	assert.Equal(t, []string{"eth1", "eth2"}, bond.Interfaces)
	assert.Equal(t, "802.3ad", bond.Parameters.Mode)
	assert.Equal(t, 9000, bond.MTU)
	assert.Contains(t, n.Ethernets, "eth1", "포트는 ethernets에 정의")
	assert.Contains(t, n.Ethernets, "eth2")

	vlan := n.VLANs["bond0.10"]
	require.NotNil(t, vlan.ID)
	assert.Equal(t, 10, *vlan.ID)
	assert.Equal(t, "bond0", vlan.Link)
	assert.Equal(t, []string{"10.10.0.5/24"}, vlan.Addresses)
	require.NotNil(t, vlan.DHCP4)
	assert.False(t, *vlan.DHCP4)
	require.Len(t, vlan.Routes, 1)
	assert.Equal(t, "default", vlan.Routes[0].To)
	assert.Equal(t, 50, vlan.Routes[0].Metric)
	require.NotNil(t, vlan.Nameservers)
	assert.Equal(t, []string{"1.1.1.1"}, vlan.Nameservers.Addresses)

	assert.Equal(t, "off", n.Dummies["dummy0"].ActivationMode)
	require.Len(t, n.Ethernets["eth0"].Routes, 1, "비관리 인터페이스의 라우트는 별도 항목으로 병합")
	assert.Nil(t, n.Ethernets["eth0"].Nameservers)
}

func TestRenderNetplan_DNSWithoutCarrier(t *testing.T) {
	managed := entities.NetworkState{
		DNS: &entities.DNSSection{Config: entities.DNSConfig{Servers: []string{"1.1.1.1"}}},
	}

	_, err := renderNetplan(managed, entities.NetworkState{}, "")
	require.Error(t, err)
	assert.True(t, domainErrors.IsValidationError(err))

	current := entities.NetworkState{Routes: &entities.RouteSection{Config: []entities.Route{
		{Destination: "0.0.0.0/0", NextHopInterface: "eth0", NextHopAddress: "10.0.0.1"},
	}}}
	out, err := renderNetplan(managed, current, "")
	require.NoError(t, err)
	assert.Contains(t, string(out), "1.1.1.1", "기본 라우트 인터페이스에 부착")
}

func TestNetplanBackend_CheckpointSurvivesProcessRestart(t *testing.T) {
	f := newNetplanFixture(t)
	ctx := context.Background()
	managedFile := filepath.Join(f.configDir, "90-nmstate-agent.yaml")

	executor := new(MockCommandExecutor)
	expectQuery(executor, linksBefore) // CheckpointCreate
	expectQuery(executor, linksBefore) // Apply
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "netplan", "generate").Return([]byte(""), nil).Once()
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "netplan", "apply").Return([]byte(""), nil).Once()

	b := f.backend(executor)
	cp, err := b.CheckpointCreate(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, cp.SelfExpiring)
	assert.Equal(t, NetplanBackendName, cp.Backend)
	assert.Equal(t, f.clock.Now().Add(time.Minute), cp.Deadline)

	require.NoError(t, b.Apply(ctx, vlanCreate()))
	content, err := os.ReadFile(managedFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "eth1.100")
	executor.AssertExpectations(t)

	// 다른 프로세스가 저널의 체크포인트만으로 복구
	restarted := new(MockCommandExecutor)
	restarted.On("ExecuteWithTimeout", mock.Anything, timeout, "netplan", "apply").Return([]byte(""), nil).Once()
	expectQuery(restarted, linksAfter)
	restarted.On("ExecuteWithTimeout", mock.Anything, timeout, "ip", "link", "delete", "eth1.100").Return([]byte(""), nil).Once()

	require.NoError(t, f.backend(restarted).CheckpointRestore(ctx, cp))

	_, err = os.Stat(managedFile)
	assert.True(t, os.IsNotExist(err), "체크포인트 이후 생성된 설정 파일 제거")
	_, err = os.Stat(filepath.Join(f.stateDir, "netplan-managed.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.configDir, "50-cloud-init.yaml"))
	assert.NoError(t, err, "기존 설정은 유지")
	_, err = os.Stat(filepath.Join(f.stateDir, "snapshots", cp.ID))
	assert.True(t, os.IsNotExist(err), "복구 후 스냅샷 삭제")
	restarted.AssertExpectations(t)
}

func TestNetplanBackend_GenerateFailureIsApplyError(t *testing.T) {
	f := newNetplanFixture(t)
	executor := new(MockCommandExecutor)
	expectQuery(executor, linksBefore)
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "netplan", "generate").
		Return([]byte(""), errors.New("Error in network definition")).Once()

	err := f.backend(executor).Apply(context.Background(), vlanCreate())
	require.Error(t, err)
	assert.True(t, domainErrors.IsApplyError(err))
	executor.AssertNotCalled(t, "ExecuteWithTimeout", mock.Anything, timeout, "netplan", "apply")
}

func TestNetplanBackend_DeleteRemovesKernelObjects(t *testing.T) {
	f := newNetplanFixture(t)
	executor := new(MockCommandExecutor)
	expectQuery(executor, linksAfter)
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "netplan", "generate").Return([]byte(""), nil).Once()
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "netplan", "apply").Return([]byte(""), nil).Once()
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "ip", "route", "del", "172.16.0.0/16", "via", "10.0.0.1", "dev", "eth0").
		Return([]byte(""), errors.New("RTNETLINK answers: No such process")).Once()
	executor.On("ExecuteWithTimeout", mock.Anything, timeout, "ip", "link", "delete", "eth1.100").Return([]byte(""), nil).Once()

	change := entities.StateChange{Changes: []entities.Change{
		{
			Kind: entities.ChangeKindRoute, Op: entities.ChangeOpDelete, Name: "172.16.0.0/16 via 10.0.0.1 dev eth0",
			Route: &entities.Route{Destination: "172.16.0.0/16", NextHopInterface: "eth0", NextHopAddress: "10.0.0.1"},
		},
		{
			Kind: entities.ChangeKindInterface, Op: entities.ChangeOpDelete, Name: "eth1.100",
			CurrentInterface: &entities.Interface{Name: "eth1.100", Type: entities.InterfaceTypeVLAN},
		},
	}}

	require.NoError(t, f.backend(executor).Apply(context.Background(), change))
	executor.AssertExpectations(t)
}

func TestNetplanBackend_RestoreMissingSnapshot(t *testing.T) {
	f := newNetplanFixture(t)
	err := f.backend(new(MockCommandExecutor)).CheckpointRestore(context.Background(), entities.Checkpoint{ID: "netplan-missing"})
	require.Error(t, err)
	assert.True(t, domainErrors.IsNotFoundError(err))
}
