package ses

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ska-telescope/sec/internal/apperrors"
	"github.com/ska-telescope/sec/internal/eventbus"
	"github.com/ska-telescope/sec/internal/scriptsource"
	"github.com/ska-telescope/sec/internal/topics"
)

// RegisterHandlers subscribes the Service's four request topics and
// replies on the matching lifecycle topic, tagging every reply with
// the request_id carried on the inbound event. This is the listening
// half of the correlator's call_and_respond contract — grounded on the
// WebSocket handler registration pattern (RegisterHandlers(dispatcher)
// called once per service from the unified entrypoint).
func (s *Service) RegisterHandlers(bus eventbus.Bus) ([]eventbus.Subscription, error) {
	bindings := []struct {
		request topics.Topic
		reply   topics.Topic
		handle  func(context.Context, map[string]interface{}) (interface{}, error)
	}{
		{topics.RequestProcedureCreate, topics.ProcedureLifecycleCreated, s.handleCreate},
		{topics.RequestProcedureStart, topics.ProcedureLifecycleStarted, s.handleStart},
		{topics.RequestProcedureStop, topics.ProcedureLifecycleStopped, s.handleStop},
		{topics.RequestProcedureList, topics.ProcedurePoolList, s.handleList},
	}

	subs := make([]eventbus.Subscription, 0, len(bindings))
	for _, b := range bindings {
		b := b
		sub, err := bus.Subscribe(string(b.request), func(ctx context.Context, e *eventbus.Event) error {
			reply := s.invokeAndBuildReply(ctx, e, b.handle)
			return bus.Publish(ctx, string(b.reply), eventbus.NewEvent(string(b.reply), "ses", reply))
		})
		if err != nil {
			for _, prior := range subs {
				_ = prior.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribing request topic %s: %w", b.request, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Service) invokeAndBuildReply(ctx context.Context, e *eventbus.Event, handle func(context.Context, map[string]interface{}) (interface{}, error)) map[string]interface{} {
	result, err := handle(ctx, e.Data)
	reply := map[string]interface{}{"request_id": e.Data["request_id"]}
	if err != nil {
		s.log.Warn("request handler failed", zap.Error(err))
		appErr := toAppError(err)
		reply["error"] = map[string]interface{}{
			"kind":       string(appErr.Kind),
			"message":    appErr.Message,
			"stacktrace": appErr.Stacktrace,
		}
		return reply
	}
	reply["result"] = result
	return reply
}

func toAppError(err error) *apperrors.Error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperrors.New(apperrors.KindScriptExecutionError, err.Error())
}

func (s *Service) handleCreate(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	script, err := scriptFromPayload(data["script"])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindScriptLoadError, "decoding script reference", err)
	}
	initArgs := argCaptureFromPayload("init", data["init_args"])

	summary, err := s.Prepare(ctx, PrepareProcessCommand{Script: script, InitArgs: initArgs})
	if err != nil {
		return nil, err
	}
	return summaryToMap(summary), nil
}

func (s *Service) handleStart(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	pid, ok := asInt64(data["pid"])
	if !ok {
		return nil, apperrors.New(apperrors.KindBadState, "start request missing pid")
	}
	function, _ := data["function"].(string)
	forceStart, _ := data["force_start"].(bool)
	runArgs := argCaptureFromPayload(function, data["run_args"])

	summary, err := s.Start(ctx, StartProcessCommand{PID: pid, FunctionName: function, RunArgs: runArgs, ForceStart: forceStart})
	if err != nil {
		return nil, err
	}
	return summaryToMap(summary), nil
}

func (s *Service) handleStop(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	pid, ok := asInt64(data["pid"])
	if !ok {
		return nil, apperrors.New(apperrors.KindBadState, "stop request missing pid")
	}
	runAbort, _ := data["run_abort"].(bool)

	summaries, err := s.Stop(ctx, StopProcessCommand{PID: pid, RunAbort: runAbort})
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(summaries))
	for i, sum := range summaries {
		out[i] = summaryToMap(sum)
	}
	return out, nil
}

func (s *Service) handleList(_ context.Context, data map[string]interface{}) (interface{}, error) {
	var pids []int64
	if raw, ok := data["pids"].([]interface{}); ok {
		for _, v := range raw {
			if pid, ok := asInt64(v); ok {
				pids = append(pids, pid)
			}
		}
	}

	summaries, err := s.Summarise(pids)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(summaries))
	for i, sum := range summaries {
		out[i] = summaryToMap(sum)
	}
	return out, nil
}

func summaryToMap(s ProcedureSummary) map[string]interface{} {
	history := make([]interface{}, len(s.History))
	for i, h := range s.History {
		history[i] = map[string]interface{}{"state": h.State, "timestamp": h.Timestamp}
	}
	args := make([]interface{}, len(s.Args))
	for i, a := range s.Args {
		args[i] = map[string]interface{}{
			"function_name":   a.FunctionName,
			"positional_args": a.PositionalArgs,
			"keyword_args":    a.KeywordArgs,
		}
	}
	return map[string]interface{}{
		"pid":     s.PID,
		"script":  map[string]interface{}{"kind": string(s.Script.Kind), "uri": s.Script.URI, "revision": s.Script.Revision, "branch": s.Script.Branch, "build_env": s.Script.BuildEnv},
		"state":   s.State,
		"args":    args,
		"history": history,
	}
}

func scriptFromPayload(raw interface{}) (scriptsource.Script, error) {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return scriptsource.Script{}, fmt.Errorf("script payload must be an object")
	}
	kind, _ := payload["kind"].(string)
	uri, _ := payload["uri"].(string)
	switch scriptsource.Kind(kind) {
	case scriptsource.KindRepo:
		revision, _ := payload["revision"].(string)
		branch, _ := payload["branch"].(string)
		buildEnv, _ := payload["build_env"].(string)
		return scriptsource.Repo(uri, revision, branch, buildEnv), nil
	default:
		return scriptsource.Filesystem(uri), nil
	}
}

func argCaptureFromPayload(functionName string, raw interface{}) scriptsource.ArgCapture {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return scriptsource.NewArgCapture(functionName, nil, nil)
	}
	positional, _ := payload["positional_args"].([]interface{})
	keyword, _ := payload["keyword_args"].(map[string]interface{})
	if name, ok := payload["function_name"].(string); ok && name != "" {
		functionName = name
	}
	return scriptsource.NewArgCapture(functionName, positional, keyword)
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
