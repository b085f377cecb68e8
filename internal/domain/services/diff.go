package services

import (
	"sort"

	"nmstate-agent/internal/domain/entities"
)

// dnsChangeName은 DNS 변경 항목의 이름입니다
const dnsChangeName = "dns-resolver"

// ManagementContext는 관리 채널을 판별하기 위한 정보입니다
type ManagementContext struct {
	// Interfaces는 설정으로 지정된 관리 인터페이스입니다
	Interfaces []string
	// Address는 관리 접속에 쓰이는 이 호스트의 주소입니다
	Address string
}

// DiffEngine은 현재 상태와 desired state를 비교하여 정렬된 StateChange를 만드는 도메인 서비스입니다
type DiffEngine struct {
	management ManagementContext
}

// NewDiffEngine은 새로운 DiffEngine을 생성합니다
func NewDiffEngine(management ManagementContext) *DiffEngine {
	return &DiffEngine{management: management}
}

// Diff는 desired를 검증한 뒤 변경 목록을 계산합니다.
// 입력 순서와 무관하게 항상 같은 결과를 만들며, 검증에 실패하면 부분 결과 없이 ValidationError를 반환합니다.
func (e *DiffEngine) Diff(current, desired entities.NetworkState) (entities.StateChange, error) {
	if err := ValidateDesired(current, desired); err != nil {
		return entities.StateChange{}, err
	}

	mgmt := ManagementInterfaces(current, e.management)
	var changes []entities.Change
	changes = append(changes, diffInterfaces(current, desired, mgmt)...)
	changes = append(changes, diffRoutes(current, desired, mgmt)...)
	if c, ok := diffDNS(current, desired); ok {
		changes = append(changes, c)
	}

	depth := interfaceDepths(current, desired)
	sort.SliceStable(changes, func(i, j int) bool {
		return changeLess(changes[i], changes[j], depth)
	})

	return entities.StateChange{Changes: changes}, nil
}

// ManagementInterfaces는 관리 채널이 통과하는 인터페이스 집합을 계산합니다.
// 설정된 인터페이스, 기본 라우트를 가진 인터페이스, 관리 주소를 가진 인터페이스에서 시작해
// controller, 포트, VLAN base 관계를 따라 확장합니다.
func ManagementInterfaces(current entities.NetworkState, mctx ManagementContext) map[string]bool {
	mgmt := make(map[string]bool)
	for _, name := range mctx.Interfaces {
		mgmt[name] = true
	}
	for _, r := range current.RouteList() {
		if r.IsDefault() && r.NextHopInterface != "" {
			mgmt[r.NextHopInterface] = true
		}
	}
	if mctx.Address != "" {
		for _, iface := range current.Interfaces {
			if iface.IPv4.HasAddress(mctx.Address) || iface.IPv6.HasAddress(mctx.Address) {
				mgmt[iface.Name] = true
			}
		}
	}

	for changed := true; changed; {
		changed = false
		mark := func(name string) {
			if name != "" && !mgmt[name] {
				mgmt[name] = true
				changed = true
			}
		}
		for _, iface := range current.Interfaces {
			if mgmt[iface.Name] {
				mark(iface.Controller)
				if iface.VLAN != nil {
					mark(iface.VLAN.BaseIface)
				}
				if iface.LinkAggregation != nil {
					for _, p := range iface.LinkAggregation.Ports {
						mark(p)
					}
				}
				for _, p := range iface.Bridge.PortNames() {
					mark(p)
				}
			}
			if iface.Controller != "" && mgmt[iface.Controller] {
				mark(iface.Name)
			}
		}
	}
	return mgmt
}

func diffInterfaces(current, desired entities.NetworkState, mgmt map[string]bool) []entities.Change {
	var changes []entities.Change
	for _, want := range desired.Interfaces {
		have, exists := current.Interface(want.Name)

		switch {
		case want.State == entities.InterfaceStateAbsent:
			if !exists {
				continue
			}
			cur := have.Clone()
			changes = append(changes, entities.Change{
				Kind:             entities.ChangeKindInterface,
				Op:               entities.ChangeOpDelete,
				Name:             want.Name,
				Risk:             interfaceRisk(entities.ChangeOpDelete, want.Name, mgmt),
				CurrentInterface: &cur,
			})

		case !exists:
			created := want.Clone()
			if created.State == "" {
				created.State = entities.InterfaceStateUp
			}
			changes = append(changes, entities.Change{
				Kind:             entities.ChangeKindInterface,
				Op:               entities.ChangeOpCreate,
				Name:             want.Name,
				Risk:             entities.RiskSafe,
				DesiredInterface: &created,
			})

		default:
			merged := have.Merge(want)
			if merged.Equal(have) {
				continue
			}
			cur := have.Clone()
			changes = append(changes, entities.Change{
				Kind:             entities.ChangeKindInterface,
				Op:               entities.ChangeOpModify,
				Name:             want.Name,
				Risk:             interfaceRisk(entities.ChangeOpModify, want.Name, mgmt),
				CurrentInterface: &cur,
				DesiredInterface: &merged,
			})
		}
	}
	return changes
}

func interfaceRisk(op entities.ChangeOp, name string, mgmt map[string]bool) entities.RiskClass {
	if mgmt[name] {
		return entities.RiskConnectivityRisk
	}
	if op == entities.ChangeOpCreate {
		return entities.RiskSafe
	}
	return entities.RiskDisruptive
}

func diffRoutes(current, desired entities.NetworkState, mgmt map[string]bool) []entities.Change {
	currentByKey := make(map[string]entities.Route)
	for _, r := range current.RouteList() {
		currentByKey[r.Key()] = r
	}

	deleted := make(map[string]entities.Route)
	wanted := make(map[string]entities.Route)
	for _, r := range desired.RouteList() {
		if r.IsAbsent() {
			for key, cur := range currentByKey {
				if r.Matches(cur) {
					deleted[key] = cur
				}
			}
			continue
		}
		wanted[r.Key()] = r
	}

	var changes []entities.Change
	for _, cur := range deleted {
		route := cur
		changes = append(changes, routeChange(entities.ChangeOpDelete, route, mgmt))
	}
	for key, want := range wanted {
		if _, gone := deleted[key]; gone {
			continue
		}
		cur, exists := currentByKey[key]
		switch {
		case !exists:
			changes = append(changes, routeChange(entities.ChangeOpCreate, want, mgmt))
		case want.Metric != 0 && want.Metric != cur.Metric:
			changes = append(changes, routeChange(entities.ChangeOpModify, want, mgmt))
		}
	}
	return changes
}

func routeChange(op entities.ChangeOp, route entities.Route, mgmt map[string]bool) entities.Change {
	risk := entities.RiskDisruptive
	switch {
	case route.IsDefault() || mgmt[route.NextHopInterface]:
		risk = entities.RiskConnectivityRisk
	case op == entities.ChangeOpCreate:
		risk = entities.RiskSafe
	}
	r := route
	r.State = ""
	return entities.Change{
		Kind:  entities.ChangeKindRoute,
		Op:    op,
		Name:  route.String(),
		Risk:  risk,
		Route: &r,
	}
}

func diffDNS(current, desired entities.NetworkState) (entities.Change, bool) {
	if desired.DNS == nil {
		return entities.Change{}, false
	}
	var have entities.DNSConfig
	if current.DNS != nil {
		have = current.DNS.Config
	}
	want := desired.DNS.Config
	if have.Equal(want) {
		return entities.Change{}, false
	}

	op := entities.ChangeOpModify
	if len(have.Servers) == 0 && len(have.Search) == 0 {
		op = entities.ChangeOpCreate
	}
	cur := have.Clone()
	des := want.Clone()
	return entities.Change{
		Kind:       entities.ChangeKindDNS,
		Op:         op,
		Name:       dnsChangeName,
		Risk:       entities.RiskDisruptive,
		CurrentDNS: &cur,
		DesiredDNS: &des,
	}, true
}

// interfaceDepths는 VLAN base와 controller 관계상의 깊이를 계산합니다.
// 부모는 자식보다 먼저 생성되고 나중에 삭제되어야 합니다.
func interfaceDepths(current, desired entities.NetworkState) map[string]int {
	parent := make(map[string]string)
	record := func(iface entities.Interface) {
		switch {
		case iface.VLAN != nil:
			parent[iface.Name] = iface.VLAN.BaseIface
		case iface.Controller != "":
			parent[iface.Name] = iface.Controller
		}
	}
	for _, iface := range current.Interfaces {
		record(iface)
	}
	for _, iface := range desired.Interfaces {
		record(iface)
	}

	depth := make(map[string]int)
	var resolve func(name string, guard int) int
	resolve = func(name string, guard int) int {
		if d, ok := depth[name]; ok {
			return d
		}
		p, ok := parent[name]
		if !ok || guard > len(parent) {
			return 0
		}
		d := resolve(p, guard+1) + 1
		depth[name] = d
		return d
	}
	for name := range parent {
		resolve(name, 0)
	}
	return depth
}

func kindRank(op entities.ChangeOp, kind entities.ChangeKind) int {
	if op == entities.ChangeOpDelete {
		switch kind {
		case entities.ChangeKindRoute:
			return 0
		case entities.ChangeKindDNS:
			return 1
		default:
			return 2
		}
	}
	switch kind {
	case entities.ChangeKindInterface:
		return 0
	case entities.ChangeKindRoute:
		return 1
	default:
		return 2
	}
}

func changeLess(a, b entities.Change, depth map[string]int) bool {
	if a.Op.Rank() != b.Op.Rank() {
		return a.Op.Rank() < b.Op.Rank()
	}
	if a.Risk.Rank() != b.Risk.Rank() {
		return a.Risk.Rank() < b.Risk.Rank()
	}
	if ka, kb := kindRank(a.Op, a.Kind), kindRank(b.Op, b.Kind); ka != kb {
		return ka < kb
	}
	if a.Kind == entities.ChangeKindInterface {
		da, db := depth[a.Name], depth[b.Name]
		if da != db {
			if a.Op == entities.ChangeOpDelete {
				return da > db
			}
			return da < db
		}
	}
	return a.Name < b.Name
}
