package connectors

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/tandemhq/tandem/pkg/schema"
)

// RegisterBuiltins registers all built-in capabilities in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	all := []StepExecutor{
		&ManualTrigger{},
		&ScheduleTrigger{},
		NewHTTPRequest(httpCfg),
		&UtilLog{log: log},
		&UtilDelay{},
		&EmailSend{log: log},
	}

	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// --- trigger.manual ---

// ManualTrigger implements "trigger.manual": the caller supplies the trigger
// payload at start time and the trigger passes it through unchanged.
type ManualTrigger struct{}

func (t *ManualTrigger) Key() string         { return "trigger.manual" }
func (t *ManualTrigger) Description() string { return "Start a run with a caller-supplied payload." }
func (t *ManualTrigger) SideEffecting() bool { return false }

func (t *ManualTrigger) ParameterSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object"}`)
}

func (t *ManualTrigger) Validate(params map[string]any) error { return nil }

func (t *ManualTrigger) Execute(ctx context.Context, in ExecutionInput) (map[string]any, error) {
	out := make(map[string]any, len(in.Run.TriggerOutput)+1)
	for k, v := range in.Run.TriggerOutput {
		out[k] = v
	}
	out["triggered_at"] = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}

// --- trigger.schedule ---

const scheduleTriggerParamSchema = `{
  "type": "object",
  "properties": {
    "cron": {"type": "string"},
    "timezone": {"type": "string", "default": "UTC"}
  },
  "required": ["cron"]
}`

// ScheduleTrigger implements "trigger.schedule". The scheduler fires runs on
// the node's cron expression; at execution time the trigger just stamps the
// scheduled instant into the run context.
type ScheduleTrigger struct{}

func (t *ScheduleTrigger) Key() string         { return "trigger.schedule" }
func (t *ScheduleTrigger) Description() string { return "Start runs on a cron schedule." }
func (t *ScheduleTrigger) SideEffecting() bool { return false }

func (t *ScheduleTrigger) ParameterSchema() json.RawMessage {
	return json.RawMessage(scheduleTriggerParamSchema)
}

func (t *ScheduleTrigger) Validate(params map[string]any) error {
	if stringParam(params, "cron", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger.schedule: missing required param 'cron'")
	}
	return nil
}

func (t *ScheduleTrigger) Execute(ctx context.Context, in ExecutionInput) (map[string]any, error) {
	out := make(map[string]any, len(in.Run.TriggerOutput)+2)
	for k, v := range in.Run.TriggerOutput {
		out[k] = v
	}
	out["cron"] = stringParam(in.Params, "cron", "")
	out["triggered_at"] = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}

// --- util.log ---

const utilLogParamSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "level": {"type": "string", "enum": ["debug","info","warn","error"], "default": "info"},
    "data": {}
  },
  "required": ["message"]
}`

// UtilLog implements "util.log": emits a structured log line from a workflow.
type UtilLog struct {
	log *slog.Logger
}

func (u *UtilLog) Key() string         { return "util.log" }
func (u *UtilLog) Description() string { return "Emit a structured log line from the workflow." }
func (u *UtilLog) SideEffecting() bool { return false }

func (u *UtilLog) ParameterSchema() json.RawMessage {
	return json.RawMessage(utilLogParamSchema)
}

func (u *UtilLog) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "util.log: missing required param 'message'")
	}
	return nil
}

func (u *UtilLog) Execute(ctx context.Context, in ExecutionInput) (map[string]any, error) {
	msg := stringParam(in.Params, "message", "")
	attrs := []any{
		slog.String("execution_id", in.Run.ExecutionID),
		slog.Any("data", in.Params["data"]),
	}
	switch stringParam(in.Params, "level", "info") {
	case "debug":
		u.log.DebugContext(ctx, msg, attrs...)
	case "warn":
		u.log.WarnContext(ctx, msg, attrs...)
	case "error":
		u.log.ErrorContext(ctx, msg, attrs...)
	default:
		u.log.InfoContext(ctx, msg, attrs...)
	}
	return map[string]any{"logged": true, "message": msg}, nil
}

// --- util.delay ---

const utilDelayParamSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string"}
  },
  "required": ["duration"]
}`

// maxDelay bounds util.delay so a misconfigured workflow cannot hold a
// worker slot indefinitely.
const maxDelay = 10 * time.Minute

// UtilDelay implements "util.delay": sleeps for a bounded duration, honoring
// context cancellation so signals are still observed promptly.
type UtilDelay struct{}

func (u *UtilDelay) Key() string         { return "util.delay" }
func (u *UtilDelay) Description() string { return "Pause the run for a fixed duration." }
func (u *UtilDelay) SideEffecting() bool { return false }

func (u *UtilDelay) ParameterSchema() json.RawMessage {
	return json.RawMessage(utilDelayParamSchema)
}

func (u *UtilDelay) Validate(params map[string]any) error {
	raw := stringParam(params, "duration", "")
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "util.delay: missing required param 'duration'")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "util.delay: invalid duration %q", raw).WithCause(err)
	}
	if d < 0 || d > maxDelay {
		return schema.NewErrorf(schema.ErrCodeValidation, "util.delay: duration %s out of range (0..%s)", d, maxDelay)
	}
	return nil
}

func (u *UtilDelay) Execute(ctx context.Context, in ExecutionInput) (map[string]any, error) {
	if err := u.Validate(in.Params); err != nil {
		return nil, err
	}
	d, _ := time.ParseDuration(stringParam(in.Params, "duration", ""))

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "util.delay: interrupted").WithCause(ctx.Err())
	}
	return map[string]any{"delayed_ms": d.Milliseconds()}, nil
}

// --- email.send ---

const emailSendParamSchema = `{
  "type": "object",
  "properties": {
    "to": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    },
    "subject": {"type": "string"},
    "body": {"type": "string"}
  },
  "required": ["to", "subject"]
}`

// EmailSend implements "email.send". Delivery itself is a boundary concern
// handled by external connectors; this executor validates recipients and
// records the handoff so the delivery phase is exercised end to end.
type EmailSend struct {
	log *slog.Logger
}

func (e *EmailSend) Key() string         { return "email.send" }
func (e *EmailSend) Description() string { return "Hand a message to the outbound email boundary." }
func (e *EmailSend) SideEffecting() bool { return true }

func (e *EmailSend) ParameterSchema() json.RawMessage {
	return json.RawMessage(emailSendParamSchema)
}

func (e *EmailSend) Validate(params map[string]any) error {
	recipients, err := recipientList(params["to"])
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "email.send: missing required param 'to'")
	}
	if stringParam(params, "subject", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "email.send: missing required param 'subject'")
	}
	return nil
}

func (e *EmailSend) Execute(ctx context.Context, in ExecutionInput) (map[string]any, error) {
	recipients, err := recipientList(in.Params["to"])
	if err != nil {
		// A bad address is fixable by a human, not by a retry loop.
		return nil, schema.NewReviewError(
			"One or more recipient addresses are invalid. Correct them and resume the run.",
			err.Error(),
		).WithCause(err)
	}
	if err := e.Validate(in.Params); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "email handed to delivery boundary",
		slog.String("execution_id", in.Run.ExecutionID),
		slog.Int("recipients", len(recipients)))

	return map[string]any{
		"accepted":   true,
		"recipients": len(recipients),
		"subject":    stringParam(in.Params, "subject", ""),
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// recipientList normalizes the "to" param (string or list of strings) into
// validated addresses.
func recipientList(raw any) ([]string, error) {
	var candidates []string
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		candidates = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation, "email.send: 'to' entries must be strings")
			}
			candidates = append(candidates, s)
		}
	case []string:
		candidates = v
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "email.send: 'to' must be a string or list of strings")
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		addr, err := mail.ParseAddress(strings.TrimSpace(c))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "email.send: invalid recipient %q", c).WithCause(err)
		}
		out = append(out, addr.Address)
	}
	return out, nil
}

var (
	_ StepExecutor = (*ManualTrigger)(nil)
	_ StepExecutor = (*ScheduleTrigger)(nil)
	_ StepExecutor = (*UtilLog)(nil)
	_ StepExecutor = (*UtilDelay)(nil)
	_ StepExecutor = (*EmailSend)(nil)
)
