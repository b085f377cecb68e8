package backend

import (
	"nmstate-agent/internal/domain/entities"
)

// applyChange는 변경 목록을 상태에 반영한 새 상태를 반환합니다.
// memory 백엔드의 적용과 netplan 백엔드의 관리 문서 갱신에 함께 쓰입니다.
func applyChange(state entities.NetworkState, change entities.StateChange) entities.NetworkState {
	out := state.Clone()
	for _, c := range change.Changes {
		switch c.Kind {
		case entities.ChangeKindInterface:
			out.Interfaces = removeInterface(out.Interfaces, c.Name)
			if c.Op != entities.ChangeOpDelete && c.DesiredInterface != nil {
				out.Interfaces = append(out.Interfaces, c.DesiredInterface.Clone())
			}
		case entities.ChangeKindRoute:
			if c.Route == nil {
				continue
			}
			routes := removeRoute(out.RouteList(), c.Route.Key())
			if c.Op != entities.ChangeOpDelete {
				routes = append(routes, *c.Route)
			}
			if len(routes) == 0 {
				out.Routes = nil
			} else {
				out.Routes = &entities.RouteSection{Config: routes}
			}
		case entities.ChangeKindDNS:
			if c.DesiredDNS != nil {
				out.DNS = &entities.DNSSection{Config: c.DesiredDNS.Clone()}
			}
		}
	}
	return out.Normalized()
}

func removeInterface(list []entities.Interface, name string) []entities.Interface {
	out := list[:0:0]
	for _, iface := range list {
		if iface.Name != name {
			out = append(out, iface)
		}
	}
	return out
}

func removeRoute(list []entities.Route, key string) []entities.Route {
	out := list[:0:0]
	for _, r := range list {
		if r.Key() != key {
			out = append(out, r)
		}
	}
	return out
}
