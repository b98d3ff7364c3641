// Package sandbox loads a battle's 7 bot sources into isolated Starlark
// interpreters and invokes their fixed entry points under a wall-clock
// deadline, translating faults into the attribution the Referee needs.
//
// Starlark is used instead of a restricted general-purpose interpreter: it
// is hermetic by construction (no file/network/process/reflection access
// exists to restrict in the first place), which is the Go-idiomatic answer
// to the original's import-allow-list sandbox. See SPEC_FULL.md §4.2.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// AskLLMFunc is the host-provided implementation of the bot-facing ask_llm
// builtin, bound to one player's session by the caller.
type AskLLMFunc func(prompt string) (string, error)

// requiredEntryPoints are the thirteen methods every bot module must define.
var requiredEntryPoints = []string{
	"set_player_index", "set_role_type", "pass_role_sight", "pass_map",
	"pass_position_data", "pass_message", "pass_mission_members",
	"decide_mission_member", "walk", "say", "mission_vote1", "mission_vote2", "assass",
}

// Host prepares per-battle sandbox directories and loads bots into them.
type Host struct {
	dataDir     string
	callTimeout time.Duration
	logger      *zap.SugaredLogger
}

// NewHost builds a Host rooted at dataDir.
func NewHost(dataDir string, callTimeout time.Duration, logger *zap.Logger) *Host {
	return &Host{dataDir: dataDir, callTimeout: callTimeout, logger: logger.Sugar()}
}

// Bot is one loaded, isolated bot instance for a single battle.
type Bot struct {
	player      int
	globals     starlark.StringDict
	callTimeout time.Duration
	logger      *zap.SugaredLogger
}

// LoadBot copies sourcePath into a battle-scoped directory and loads it as
// an isolated Starlark module, so concurrent battles never share module
// state even when two seats happen to run the same bot source.
func (h *Host) LoadBot(battleID string, player int, sourcePath string, askLLM AskLLMFunc) (*Bot, error) {
	dir := filepath.Join(h.dataDir, battleID, "sandbox", fmt.Sprintf("player_%d", player))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &SetupError{Cause: fmt.Errorf("create sandbox dir: %w", err)}
	}

	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, &SetupError{Cause: fmt.Errorf("read bot source %s: %w", sourcePath, err)}
	}

	copyPath := filepath.Join(dir, "bot.star")
	if err := os.WriteFile(copyPath, src, 0o644); err != nil {
		return nil, &SetupError{Cause: fmt.Errorf("stage bot source: %w", err)}
	}

	predeclared := starlark.StringDict{
		"json": json.Module,
		"ask_llm": starlark.NewBuiltin("ask_llm", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var prompt string
			if err := starlark.UnpackArgs("ask_llm", args, kwargs, "prompt", &prompt); err != nil {
				return nil, err
			}
			reply, err := askLLM(prompt)
			if err != nil {
				return nil, err
			}
			return starlark.String(reply), nil
		}),
	}

	thread := &starlark.Thread{Name: fmt.Sprintf("battle-%s-player-%d-load", battleID, player)}
	globals, err := starlark.ExecFile(thread, copyPath, src, predeclared)
	if err != nil {
		return nil, &SetupError{Cause: fmt.Errorf("load bot module: %w", err)}
	}

	for _, name := range requiredEntryPoints {
		if _, ok := globals[name]; !ok {
			return nil, &SetupError{Cause: fmt.Errorf("bot source missing required entry point %q", name)}
		}
	}

	return &Bot{player: player, globals: globals, callTimeout: h.callTimeout, logger: h.logger}, nil
}

// Call invokes one of the bot's entry points with a wall-clock deadline,
// converting the result (or a deadline breach, panic, or bad return shape)
// into a plain Go value or a *PlayerFault.
func (b *Bot) Call(method string, args ...any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value, err = nil, &PlayerFault{Kind: FaultRuntime, Player: b.player, Method: method, Message: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	fn, ok := b.globals[method]
	if !ok {
		return nil, &PlayerFault{Kind: FaultRuntime, Player: b.player, Method: method, Message: "missing required method"}
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return nil, &PlayerFault{Kind: FaultRuntime, Player: b.player, Method: method, Message: "entry point is not callable"}
	}

	starArgs := make(starlark.Tuple, 0, len(args))
	for _, a := range args {
		sv, err := toStarlark(a)
		if err != nil {
			return nil, &PlayerFault{Kind: FaultRuntime, Player: b.player, Method: method, Message: err.Error()}
		}
		starArgs = append(starArgs, sv)
	}

	thread := &starlark.Thread{Name: fmt.Sprintf("player-%d-%s", b.player, method)}

	deadline := time.AfterFunc(b.callTimeout, func() {
		thread.Cancel(fmt.Sprintf("%s exceeded %s deadline", method, b.callTimeout))
	})
	result, err := starlark.Call(thread, callable, starArgs, nil)
	deadline.Stop()

	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, &PlayerFault{Kind: FaultRuntime, Player: b.player, Method: method, Message: evalErr.Msg, Trace: evalErr.Backtrace()}
		}
		return nil, &PlayerFault{Kind: FaultRuntime, Player: b.player, Method: method, Message: err.Error()}
	}

	value, convErr := fromStarlark(result)
	if convErr != nil {
		return nil, &PlayerFault{Kind: FaultReturn, Player: b.player, Method: method, Message: convErr.Error()}
	}
	return value, nil
}

// CallExpectInt calls method and requires an integer return value, the
// shape of assass's target.
func (b *Bot) CallExpectInt(method string, args ...any) (int, error) {
	v, err := b.Call(method, args...)
	if err != nil {
		return 0, err
	}
	n, ok := asInt(v)
	if !ok {
		return 0, &PlayerFault{Kind: FaultReturn, Player: b.player, Method: method, Message: "expected an integer return value"}
	}
	return n, nil
}

// CallExpectIntSlice calls method and requires a list/tuple of integers,
// the shape decide_mission_member's team selection returns.
func (b *Bot) CallExpectIntSlice(method string, args ...any) ([]int, error) {
	v, err := b.Call(method, args...)
	if err != nil {
		return nil, err
	}
	ints, ok := asIntSlice(v)
	if !ok {
		return nil, &PlayerFault{Kind: FaultReturn, Player: b.player, Method: method, Message: "expected a list of integers"}
	}
	return ints, nil
}

// CallExpectStringSlice calls method and requires a list/tuple of strings,
// the shape walk()'s move list returns.
func (b *Bot) CallExpectStringSlice(method string, args ...any) ([]string, error) {
	v, err := b.Call(method, args...)
	if err != nil {
		return nil, err
	}
	strs, ok := asStringSlice(v)
	if !ok {
		return nil, &PlayerFault{Kind: FaultReturn, Player: b.player, Method: method, Message: "expected a list of strings"}
	}
	return strs, nil
}

// CallExpectString calls method and requires a string return value, the
// shape say() returns.
func (b *Bot) CallExpectString(method string, args ...any) (string, error) {
	v, err := b.Call(method, args...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &PlayerFault{Kind: FaultReturn, Player: b.player, Method: method, Message: "expected a string return value"}
	}
	return s, nil
}

// CallExpectBool calls method and requires a bool return value, the shape
// mission_vote1/mission_vote2 return.
func (b *Bot) CallExpectBool(method string, args ...any) (bool, error) {
	v, err := b.Call(method, args...)
	if err != nil {
		return false, err
	}
	bv, ok := v.(bool)
	if !ok {
		return false, &PlayerFault{Kind: FaultReturn, Player: b.player, Method: method, Message: "expected a boolean return value"}
	}
	return bv, nil
}
