package rating

import (
	"encoding/json"
	"regexp"

	"github.com/avalon-arena/match-core/internal/models"
)

// offense is the extracted (player, method) pair the error-path penalty is
// computed against.
type offense struct {
	Player int
	Method string
}

var playerPattern = regexp.MustCompile(`[Pp]layer\s+(\d+)`)
var methodPattern = regexp.MustCompile(`method\s+'([^']+)'`)

// findOffense scans events newest to oldest for a critical_player_ERROR or
// player_return_ERROR record, preferring the structured error_code_pid
// field and falling back to regex extraction from a free-form message.
func findOffense(events []models.Event) *offense {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.EventType != models.EventCriticalPlayerError && e.EventType != models.EventPlayerReturnError {
			continue
		}

		if data, ok := asPlayerErrorData(e.EventData); ok && data.PlayerID >= 1 && data.PlayerID <= models.PlayerCount {
			return &offense{Player: data.PlayerID, Method: data.Method}
		}

		msg := freeformMessage(e.EventData)
		pm := playerPattern.FindStringSubmatch(msg)
		mm := methodPattern.FindStringSubmatch(msg)
		if pm == nil {
			continue
		}
		o := &offense{}
		if n, ok := parseDigits(pm[1]); ok {
			o.Player = n
		} else {
			continue
		}
		if mm != nil {
			o.Method = mm[1]
		}
		return o
	}
	return nil
}

// eventKind returns the EventType of the offending record, needed for the
// ×1.5 / ×1.2 multiplier. Callers re-scan because findOffense only returns
// the (player, method) pair.
func eventKind(events []models.Event, player int) models.EventType {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.EventType != models.EventCriticalPlayerError && e.EventType != models.EventPlayerReturnError {
			continue
		}
		if data, ok := asPlayerErrorData(e.EventData); ok && data.PlayerID == player {
			return e.EventType
		}
		if playerPattern.MatchString(freeformMessage(e.EventData)) {
			return e.EventType
		}
	}
	return models.EventCriticalPlayerError
}

func asPlayerErrorData(v any) (models.PlayerErrorData, bool) {
	switch t := v.(type) {
	case models.PlayerErrorData:
		return t, true
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return models.PlayerErrorData{}, false
		}
		var data models.PlayerErrorData
		if err := json.Unmarshal(raw, &data); err != nil {
			return models.PlayerErrorData{}, false
		}
		return data, data.PlayerID != 0
	default:
		return models.PlayerErrorData{}, false
	}
}

func freeformMessage(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if msg, ok := t["message"].(string); ok {
			return msg
		}
	}
	return ""
}

func parseDigits(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// extractTokens finds the end-of-battle tokens record, if any.
func extractTokens(events []models.Event) map[int]models.PlayerTokens {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.EventType != models.EventTokens {
			continue
		}
		switch t := e.EventData.(type) {
		case models.TokensData:
			return t.ByPlayer
		case map[string]any:
			raw, err := json.Marshal(t)
			if err != nil {
				continue
			}
			var data models.TokensData
			if err := json.Unmarshal(raw, &data); err != nil {
				continue
			}
			return data.ByPlayer
		}
	}
	return nil
}
