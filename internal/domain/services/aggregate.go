package services

import (
	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
)

// Aggregate는 호스트별 결과를 요청 순서대로 하나의 BatchResult로 합칩니다.
// 결과가 없는 호스트는 failed-no-checkpoint 항목으로 채워 누락되지 않게 합니다.
// 부수 효과가 없는 순수 함수입니다.
func Aggregate(hosts []string, results map[string]entities.ApplyResult) entities.BatchResult {
	batch := entities.BatchResult{
		Status:  entities.BatchStatusSuccess,
		Results: make([]entities.HostResult, 0, len(hosts)),
	}
	seen := make(map[string]bool, len(hosts))

	for _, host := range hosts {
		if seen[host] {
			continue
		}
		seen[host] = true

		result, ok := results[host]
		if !ok {
			result = entities.ApplyResult{
				Host:    host,
				Outcome: entities.OutcomeFailedNoCheckpoint,
				Error: &entities.ResultError{
					Type:    string(domainErrors.ErrorTypeSystem),
					Message: "no result reported for host",
				},
				Detail: "host was not dispatched or did not report a result",
			}
		}
		if result.Outcome != entities.OutcomeCommitted {
			batch.Status = entities.BatchStatusFailure
		}
		batch.Results = append(batch.Results, entities.HostResult{Host: host, Result: result})
	}

	return batch
}
