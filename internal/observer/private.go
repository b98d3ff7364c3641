package observer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PrivateLog is one player's scratch file for a battle: LLM chat history and
// per-round call counters, read back on the next ask_llm call so the bot's
// conversation has continuity across calls. Unlike the public archive this
// file is not durability-critical (losing it only loses conversational
// memory, never game state), so writes are plain, matching the original's
// private-log read/write.
type PrivateLog struct {
	path string
	mu   sync.Mutex
}

// PrivateLogState is the on-disk shape of a PrivateLog.
type PrivateLogState struct {
	History       []ChatTurn `json:"history"`
	CallsByRound  map[int]int `json:"calls_by_round"`
	InputTokens   int         `json:"input_tokens"`
	OutputTokens  int         `json:"output_tokens"`
}

// ChatTurn is one exchange in a bot's LLM conversation history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewPrivateLog opens (creating if absent) the scratch file for player in
// battleID under dataDir.
func NewPrivateLog(dataDir, battleID string, player int) (*PrivateLog, error) {
	dir := filepath.Join(dataDir, battleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("private log: create dir: %w", err)
	}
	p := &PrivateLog{path: filepath.Join(dir, fmt.Sprintf("private_player_%d_game_%s.json", player, battleID))}
	if _, err := os.Stat(p.path); err != nil {
		if err := p.save(PrivateLogState{CallsByRound: map[int]int{}}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Load reads the current state.
func (p *PrivateLog) Load() (PrivateLogState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		return PrivateLogState{CallsByRound: map[int]int{}}, nil
	}
	var state PrivateLogState
	if err := json.Unmarshal(data, &state); err != nil {
		return PrivateLogState{CallsByRound: map[int]int{}}, nil
	}
	if state.CallsByRound == nil {
		state.CallsByRound = map[int]int{}
	}
	return state, nil
}

// Save overwrites the scratch file with state.
func (p *PrivateLog) Save(state PrivateLogState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.save(state)
}

func (p *PrivateLog) save(state PrivateLogState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("private log: marshal: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("private log: write: %w", err)
	}
	return nil
}
