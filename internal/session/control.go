package session

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/YaganovValera/openapi-streamer/internal/codec"
)

// Heartbeat: уведомление «нет новых данных» для одной подписки.
type Heartbeat struct {
	OriginatingReferenceID string `json:"OriginatingReferenceId"`
	Reason                 string `json:"Reason"`
}

type heartbeatEnvelope struct {
	ReferenceID string      `json:"ReferenceId"`
	Heartbeats  []Heartbeat `json:"Heartbeats"`
}

// parseHeartbeats принимает массив конвертов или один конверт.
func parseHeartbeats(m codec.Message) ([]Heartbeat, error) {
	raw := bytes.TrimSpace(m.Payload)
	var envs []heartbeatEnvelope
	if len(raw) > 0 && raw[0] == '{' {
		var one heartbeatEnvelope
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("session: heartbeat payload: %w", err)
		}
		envs = []heartbeatEnvelope{one}
	} else if err := json.Unmarshal(raw, &envs); err != nil {
		return nil, fmt.Errorf("session: heartbeat payload: %w", err)
	}

	var out []Heartbeat
	for _, e := range envs {
		out = append(out, e.Heartbeats...)
	}
	return out, nil
}

type resetEnvelope struct {
	ReferenceID        string   `json:"ReferenceId"`
	TargetReferenceIDs []string `json:"TargetReferenceIds"`
}

// parseResetTargets возвращает затронутые reference id; пустой результат
// означает «все активные подписки».
func parseResetTargets(m codec.Message) []string {
	raw := bytes.TrimSpace(m.Payload)
	if len(raw) == 0 || raw[0] != '{' {
		// массив или что-то непонятное, пересоздаём всё
		var arr []resetEnvelope
		if json.Unmarshal(raw, &arr) == nil {
			var out []string
			for _, e := range arr {
				out = append(out, e.TargetReferenceIDs...)
			}
			return out
		}
		return nil
	}
	var env resetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	return env.TargetReferenceIDs
}
