package entities

// ChangeKind는 변경 대상의 종류입니다
type ChangeKind string

const (
	ChangeKindInterface ChangeKind = "interface"
	ChangeKindRoute     ChangeKind = "route"
	ChangeKindDNS       ChangeKind = "dns"
)

// ChangeOp는 변경 연산입니다
type ChangeOp string

const (
	ChangeOpDelete ChangeOp = "delete"
	ChangeOpModify ChangeOp = "modify"
	ChangeOpCreate ChangeOp = "create"
)

// Rank는 실행 순서상의 위치입니다 (삭제 → 수정 → 생성)
func (o ChangeOp) Rank() int {
	switch o {
	case ChangeOpDelete:
		return 0
	case ChangeOpModify:
		return 1
	default:
		return 2
	}
}

// RiskClass는 변경의 위험 등급입니다
type RiskClass string

const (
	RiskSafe             RiskClass = "safe"
	RiskDisruptive       RiskClass = "disruptive"
	RiskConnectivityRisk RiskClass = "connectivity-risk"
)

// Rank는 카테고리 내 정렬 순서입니다. connectivity-risk가 항상 마지막입니다.
func (r RiskClass) Rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskDisruptive:
		return 1
	default:
		return 2
	}
}

// Change는 인터페이스, 라우트 또는 DNS에 대한 단일 변경입니다.
// Current/Desired 중 해당 Kind에 맞는 필드만 채워집니다.
type Change struct {
	Kind ChangeKind `json:"kind" yaml:"kind"`
	Op   ChangeOp   `json:"op" yaml:"op"`
	Name string     `json:"name" yaml:"name"`
	Risk RiskClass  `json:"risk" yaml:"risk"`

	CurrentInterface *Interface `json:"current_interface,omitempty" yaml:"current_interface,omitempty"`
	DesiredInterface *Interface `json:"desired_interface,omitempty" yaml:"desired_interface,omitempty"`
	Route            *Route     `json:"route,omitempty" yaml:"route,omitempty"`
	CurrentDNS       *DNSConfig `json:"current_dns,omitempty" yaml:"current_dns,omitempty"`
	DesiredDNS       *DNSConfig `json:"desired_dns,omitempty" yaml:"desired_dns,omitempty"`
}

// StateChange는 정렬된 변경 목록입니다
type StateChange struct {
	Changes []Change `json:"changes" yaml:"changes"`
}

// IsEmpty는 변경이 없는지 확인합니다
func (s StateChange) IsEmpty() bool {
	return len(s.Changes) == 0
}

// HasConnectivityRisk는 connectivity-risk 변경이 포함되어 있는지 확인합니다
func (s StateChange) HasConnectivityRisk() bool {
	for _, c := range s.Changes {
		if c.Risk == RiskConnectivityRisk {
			return true
		}
	}
	return false
}

// Count는 연산/위험 등급별 변경 수를 반환합니다
func (s StateChange) Count(op ChangeOp, risk RiskClass) int {
	n := 0
	for _, c := range s.Changes {
		if c.Op == op && c.Risk == risk {
			n++
		}
	}
	return n
}

// DesiredState는 변경을 적용할 부분 desired 문서로 다시 구성합니다.
// 백엔드가 전체 desired 문서 대신 실제 변경분만 적용할 때 사용합니다.
func (s StateChange) DesiredState() NetworkState {
	var out NetworkState
	var routes []Route
	for _, c := range s.Changes {
		switch c.Kind {
		case ChangeKindInterface:
			switch {
			case c.Op == ChangeOpDelete && c.CurrentInterface != nil:
				out.Interfaces = append(out.Interfaces, Interface{
					Name:  c.Name,
					Type:  c.CurrentInterface.Type,
					State: InterfaceStateAbsent,
				})
			case c.DesiredInterface != nil:
				out.Interfaces = append(out.Interfaces, c.DesiredInterface.Clone())
			}
		case ChangeKindRoute:
			if c.Route == nil {
				continue
			}
			r := *c.Route
			if c.Op == ChangeOpDelete {
				r.State = RouteStateAbsent
			}
			routes = append(routes, r)
		case ChangeKindDNS:
			if c.DesiredDNS != nil {
				out.DNS = &DNSSection{Config: c.DesiredDNS.Clone()}
			}
		}
	}
	if len(routes) > 0 {
		out.Routes = &RouteSection{Config: routes}
	}
	return out
}
