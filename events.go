package duplex

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types (model -> engine, and engine -> UI client).
const (
	ServerEventTypeCompletionStart ServerEventType = "completionStart"
	ServerEventTypeContentStart    ServerEventType = "contentStart"
	ServerEventTypeTextOutput      ServerEventType = "textOutput"
	ServerEventTypeAudioOutput     ServerEventType = "audioOutput"
	ServerEventTypeToolUse         ServerEventType = "toolUse"
	ServerEventTypeContentEnd      ServerEventType = "contentEnd"
	ServerEventTypeCompletionEnd   ServerEventType = "completionEnd"
	ServerEventTypeUsage           ServerEventType = "usageEvent"
	ServerEventTypeError           ServerEventType = "error"
)

// Client event types (UI client -> engine, and engine -> model).
const (
	ClientEventTypeSessionStart ClientEventType = "sessionStart"
	ClientEventTypePromptStart  ClientEventType = "promptStart"
	ClientEventTypeContentStart ClientEventType = "contentStart"
	ClientEventTypeAudioInput   ClientEventType = "audioInput"
	ClientEventTypeTextInput    ClientEventType = "textInput"
	ClientEventTypeToolResult   ClientEventType = "toolResult"
	ClientEventTypeContentEnd   ClientEventType = "contentEnd"
	ClientEventTypePromptEnd    ClientEventType = "promptEnd"
	ClientEventTypeSessionEnd   ClientEventType = "sessionEnd"
	ClientEventTypeInterruption ClientEventType = "interruption"
	ClientEventTypeStateUpdate  ClientEventType = "stateUpdate"
)

// Event is one wire frame. The envelope is a single-key object:
//
//	{"event": {"<eventType>": {...}}}
type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	UnmarshalYAML(data []byte) error
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

// EventParam is the typed body of an event.
type EventParam interface {
	New(jsonMap map[string]any) error
	Json() map[string]any
}

type ServerEvent struct {
	Type  ServerEventType
	Param EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) envelope() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return map[string]any{
		"event": map[string]any{
			string(e.Type): e.Param.Json(),
		},
	}, nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(env, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromEnvelope(raw)
}

func (e *ServerEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromEnvelope(raw)
}

func (e *ServerEvent) fromEnvelope(raw map[string]any) error {
	typ, body, err := splitEnvelope(raw)
	if err != nil {
		return err
	}
	e.Type = ServerEventType(typ)
	switch e.Type {
	case ServerEventTypeCompletionStart:
		e.Param = new(ServerEventParamCompletionStart)
	case ServerEventTypeContentStart:
		e.Param = new(ServerEventParamContentStart)
	case ServerEventTypeTextOutput:
		e.Param = new(ServerEventParamTextOutput)
	case ServerEventTypeAudioOutput:
		e.Param = new(ServerEventParamAudioOutput)
	case ServerEventTypeToolUse:
		e.Param = new(ServerEventParamToolUse)
	case ServerEventTypeContentEnd:
		e.Param = new(ServerEventParamContentEnd)
	case ServerEventTypeCompletionEnd:
		e.Param = new(ServerEventParamCompletionEnd)
	case ServerEventTypeUsage:
		e.Param = new(ServerEventParamUsage)
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	default:
		return fmt.Errorf("unknown server event type: %s", e.Type)
	}
	if err := e.Param.New(body); err != nil {
		return fmt.Errorf("decoding %s param: %w", e.Type, err)
	}
	return nil
}

type ClientEvent struct {
	Type  ClientEventType
	Param EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) envelope() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return map[string]any{
		"event": map[string]any{
			string(e.Type): e.Param.Json(),
		},
	}, nil
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(env, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromEnvelope(raw)
}

func (e *ClientEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromEnvelope(raw)
}

func (e *ClientEvent) fromEnvelope(raw map[string]any) error {
	typ, body, err := splitEnvelope(raw)
	if err != nil {
		return err
	}
	e.Type = ClientEventType(typ)
	switch e.Type {
	case ClientEventTypeSessionStart:
		e.Param = new(ClientEventParamSessionStart)
	case ClientEventTypePromptStart:
		e.Param = new(ClientEventParamPromptStart)
	case ClientEventTypeContentStart:
		e.Param = new(ClientEventParamContentStart)
	case ClientEventTypeAudioInput:
		e.Param = new(ClientEventParamAudioInput)
	case ClientEventTypeTextInput:
		e.Param = new(ClientEventParamTextInput)
	case ClientEventTypeToolResult:
		e.Param = new(ClientEventParamToolResult)
	case ClientEventTypeContentEnd:
		e.Param = new(ClientEventParamContentEnd)
	case ClientEventTypePromptEnd:
		e.Param = new(ClientEventParamPromptEnd)
	case ClientEventTypeSessionEnd:
		e.Param = new(ClientEventParamSessionEnd)
	case ClientEventTypeInterruption:
		e.Param = new(ClientEventParamInterruption)
	case ClientEventTypeStateUpdate:
		e.Param = new(ClientEventParamStateUpdate)
	default:
		return fmt.Errorf("unknown client event type: %s", e.Type)
	}
	if err := e.Param.New(body); err != nil {
		return fmt.Errorf("decoding %s param: %w", e.Type, err)
	}
	return nil
}

// splitEnvelope extracts the single event type key and its body from the
// decoded envelope map.
func splitEnvelope(raw map[string]any) (string, map[string]any, error) {
	inner, ok := raw["event"].(map[string]any)
	if !ok {
		return "", nil, errors.New("missing event envelope")
	}
	if len(inner) != 1 {
		return "", nil, fmt.Errorf("expected exactly one event type key, got %d", len(inner))
	}
	for typ, body := range inner {
		bodyMap, ok := body.(map[string]any)
		if !ok {
			if body == nil {
				bodyMap = map[string]any{}
			} else {
				return "", nil, fmt.Errorf("event body for %s is not an object", typ)
			}
		}
		return typ, bodyMap, nil
	}
	return "", nil, errors.New("empty event envelope")
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// sessionStart
type ClientEventParamSessionStart struct {
	MaxTokens   int
	TopP        float64
	Temperature float64
}

func (p *ClientEventParamSessionStart) New(m map[string]any) error {
	cfg, ok := m["inferenceConfiguration"].(map[string]any)
	if !ok {
		return errors.New("missing inferenceConfiguration")
	}
	if v, ok := asInt(cfg["maxTokens"]); ok {
		p.MaxTokens = v
	} else {
		return errors.New("missing inferenceConfiguration.maxTokens")
	}
	if v, ok := asFloat64(cfg["topP"]); ok {
		p.TopP = v
	} else {
		return errors.New("missing inferenceConfiguration.topP")
	}
	if v, ok := asFloat64(cfg["temperature"]); ok {
		p.Temperature = v
	} else {
		return errors.New("missing inferenceConfiguration.temperature")
	}
	return nil
}

func (p *ClientEventParamSessionStart) Json() map[string]any {
	return map[string]any{
		"inferenceConfiguration": map[string]any{
			"maxTokens":   p.MaxTokens,
			"topP":        p.TopP,
			"temperature": p.Temperature,
		},
	}
}

// promptStart
type ClientEventParamPromptStart struct {
	PromptName        string
	Voice             string
	ToolConfiguration map[string]any
}

func (p *ClientEventParamPromptStart) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["voice"].(string); ok {
		p.Voice = v
	}
	if v, ok := m["toolConfiguration"].(map[string]any); ok {
		p.ToolConfiguration = v
	}
	return nil
}

func (p *ClientEventParamPromptStart) Json() map[string]any {
	out := map[string]any{
		"promptName": p.PromptName,
	}
	if p.Voice != "" {
		out["voice"] = p.Voice
	}
	if p.ToolConfiguration != nil {
		out["toolConfiguration"] = p.ToolConfiguration
	}
	return out
}

// contentStart
type ClientEventParamContentStart struct {
	PromptName  string
	ContentName string
	Type        string
	Role        string
}

func (p *ClientEventParamContentStart) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentName"].(string); ok {
		p.ContentName = v
	} else {
		return errors.New("missing contentName")
	}
	if v, ok := m["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing type")
	}
	if v, ok := m["role"].(string); ok {
		p.Role = v
	} else {
		return errors.New("missing role")
	}
	return nil
}

func (p *ClientEventParamContentStart) Json() map[string]any {
	return map[string]any{
		"promptName":  p.PromptName,
		"contentName": p.ContentName,
		"type":        p.Type,
		"role":        p.Role,
	}
}

// audioInput
type ClientEventParamAudioInput struct {
	PromptName  string
	ContentName string
	Content     string // base64 raw PCM
	Sequence    int
}

func (p *ClientEventParamAudioInput) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentName"].(string); ok {
		p.ContentName = v
	} else {
		return errors.New("missing contentName")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	if v, ok := asInt(m["sequence"]); ok {
		p.Sequence = v
	}
	return nil
}

func (p *ClientEventParamAudioInput) Json() map[string]any {
	return map[string]any{
		"promptName":  p.PromptName,
		"contentName": p.ContentName,
		"content":     p.Content,
		"sequence":    p.Sequence,
	}
}

// textInput
type ClientEventParamTextInput struct {
	PromptName  string
	ContentName string
	Content     string
}

func (p *ClientEventParamTextInput) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentName"].(string); ok {
		p.ContentName = v
	} else {
		return errors.New("missing contentName")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	return nil
}

func (p *ClientEventParamTextInput) Json() map[string]any {
	return map[string]any{
		"promptName":  p.PromptName,
		"contentName": p.ContentName,
		"content":     p.Content,
	}
}

// toolResult
type ClientEventParamToolResult struct {
	PromptName  string
	ContentName string
	Content     string // JSON-serialized result
	Status      string // "success" or "error"
}

func (p *ClientEventParamToolResult) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentName"].(string); ok {
		p.ContentName = v
	} else {
		return errors.New("missing contentName")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	if v, ok := m["status"].(string); ok {
		p.Status = v
	} else {
		return errors.New("missing status")
	}
	return nil
}

func (p *ClientEventParamToolResult) Json() map[string]any {
	return map[string]any{
		"promptName":  p.PromptName,
		"contentName": p.ContentName,
		"content":     p.Content,
		"status":      p.Status,
	}
}

// contentEnd
type ClientEventParamContentEnd struct {
	PromptName  string
	ContentName string
}

func (p *ClientEventParamContentEnd) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentName"].(string); ok {
		p.ContentName = v
	} else {
		return errors.New("missing contentName")
	}
	return nil
}

func (p *ClientEventParamContentEnd) Json() map[string]any {
	return map[string]any{
		"promptName":  p.PromptName,
		"contentName": p.ContentName,
	}
}

// promptEnd
type ClientEventParamPromptEnd struct {
	PromptName string
}

func (p *ClientEventParamPromptEnd) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	return nil
}

func (p *ClientEventParamPromptEnd) Json() map[string]any {
	return map[string]any{
		"promptName": p.PromptName,
	}
}

// sessionEnd carries no fields.
type ClientEventParamSessionEnd struct{}

func (p *ClientEventParamSessionEnd) New(m map[string]any) error {
	return nil
}

func (p *ClientEventParamSessionEnd) Json() map[string]any {
	return map[string]any{}
}

// interruption signals barge-in to the model stream.
type ClientEventParamInterruption struct {
	PromptName string
}

func (p *ClientEventParamInterruption) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	return nil
}

func (p *ClientEventParamInterruption) Json() map[string]any {
	return map[string]any{
		"promptName": p.PromptName,
	}
}

// stateUpdate is the application-specific extension event.
type ClientEventParamStateUpdate struct {
	State map[string]any
}

func (p *ClientEventParamStateUpdate) New(m map[string]any) error {
	if v, ok := m["state"].(map[string]any); ok {
		p.State = v
	} else {
		return errors.New("missing state")
	}
	return nil
}

func (p *ClientEventParamStateUpdate) Json() map[string]any {
	return map[string]any{
		"state": p.State,
	}
}

// completionStart
type ServerEventParamCompletionStart struct {
	PromptName   string
	CompletionId string
}

func (p *ServerEventParamCompletionStart) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["completionId"].(string); ok {
		p.CompletionId = v
	} else {
		return errors.New("missing completionId")
	}
	return nil
}

func (p *ServerEventParamCompletionStart) Json() map[string]any {
	return map[string]any{
		"promptName":   p.PromptName,
		"completionId": p.CompletionId,
	}
}

// contentStart (server)
type ServerEventParamContentStart struct {
	PromptName string
	ContentId  string
	Type       string
	Role       string
}

func (p *ServerEventParamContentStart) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentId"].(string); ok {
		p.ContentId = v
	} else {
		return errors.New("missing contentId")
	}
	if v, ok := m["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing type")
	}
	if v, ok := m["role"].(string); ok {
		p.Role = v
	} else {
		return errors.New("missing role")
	}
	return nil
}

func (p *ServerEventParamContentStart) Json() map[string]any {
	return map[string]any{
		"promptName": p.PromptName,
		"contentId":  p.ContentId,
		"type":       p.Type,
		"role":       p.Role,
	}
}

// textOutput
type ServerEventParamTextOutput struct {
	PromptName string
	ContentId  string
	Content    string
	Role       string
}

func (p *ServerEventParamTextOutput) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentId"].(string); ok {
		p.ContentId = v
	} else {
		return errors.New("missing contentId")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	if v, ok := m["role"].(string); ok {
		p.Role = v
	}
	return nil
}

func (p *ServerEventParamTextOutput) Json() map[string]any {
	out := map[string]any{
		"promptName": p.PromptName,
		"contentId":  p.ContentId,
		"content":    p.Content,
	}
	if p.Role != "" {
		out["role"] = p.Role
	}
	return out
}

// audioOutput
type ServerEventParamAudioOutput struct {
	PromptName string
	ContentId  string
	Content    string // base64 raw PCM
	Sequence   int
}

func (p *ServerEventParamAudioOutput) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentId"].(string); ok {
		p.ContentId = v
	} else {
		return errors.New("missing contentId")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	if v, ok := asInt(m["sequence"]); ok {
		p.Sequence = v
	}
	return nil
}

func (p *ServerEventParamAudioOutput) Json() map[string]any {
	return map[string]any{
		"promptName": p.PromptName,
		"contentId":  p.ContentId,
		"content":    p.Content,
		"sequence":   p.Sequence,
	}
}

// toolUse
type ServerEventParamToolUse struct {
	PromptName string
	ContentId  string
	ToolName   string
	ToolUseId  string
	Input      string // JSON-serialized arguments
}

func (p *ServerEventParamToolUse) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentId"].(string); ok {
		p.ContentId = v
	} else {
		return errors.New("missing contentId")
	}
	if v, ok := m["toolName"].(string); ok {
		p.ToolName = v
	} else {
		return errors.New("missing toolName")
	}
	if v, ok := m["toolUseId"].(string); ok {
		p.ToolUseId = v
	} else {
		return errors.New("missing toolUseId")
	}
	if v, ok := m["input"].(string); ok {
		p.Input = v
	} else {
		return errors.New("missing input")
	}
	return nil
}

func (p *ServerEventParamToolUse) Json() map[string]any {
	return map[string]any{
		"promptName": p.PromptName,
		"contentId":  p.ContentId,
		"toolName":   p.ToolName,
		"toolUseId":  p.ToolUseId,
		"input":      p.Input,
	}
}

// contentEnd (server)
type ServerEventParamContentEnd struct {
	PromptName string
	ContentId  string
	StopReason string
}

func (p *ServerEventParamContentEnd) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["contentId"].(string); ok {
		p.ContentId = v
	} else {
		return errors.New("missing contentId")
	}
	if v, ok := m["stopReason"].(string); ok {
		p.StopReason = v
	}
	return nil
}

func (p *ServerEventParamContentEnd) Json() map[string]any {
	out := map[string]any{
		"promptName": p.PromptName,
		"contentId":  p.ContentId,
	}
	if p.StopReason != "" {
		out["stopReason"] = p.StopReason
	}
	return out
}

// completionEnd
type ServerEventParamCompletionEnd struct {
	PromptName   string
	CompletionId string
	StopReason   string
}

func (p *ServerEventParamCompletionEnd) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := m["completionId"].(string); ok {
		p.CompletionId = v
	} else {
		return errors.New("missing completionId")
	}
	if v, ok := m["stopReason"].(string); ok {
		p.StopReason = v
	}
	return nil
}

func (p *ServerEventParamCompletionEnd) Json() map[string]any {
	out := map[string]any{
		"promptName":   p.PromptName,
		"completionId": p.CompletionId,
	}
	if p.StopReason != "" {
		out["stopReason"] = p.StopReason
	}
	return out
}

// usageEvent
type ServerEventParamUsage struct {
	PromptName   string
	InputTokens  int
	OutputTokens int
}

func (p *ServerEventParamUsage) New(m map[string]any) error {
	if v, ok := m["promptName"].(string); ok {
		p.PromptName = v
	} else {
		return errors.New("missing promptName")
	}
	if v, ok := asInt(m["inputTokens"]); ok {
		p.InputTokens = v
	} else {
		return errors.New("missing inputTokens")
	}
	if v, ok := asInt(m["outputTokens"]); ok {
		p.OutputTokens = v
	} else {
		return errors.New("missing outputTokens")
	}
	return nil
}

func (p *ServerEventParamUsage) Json() map[string]any {
	return map[string]any{
		"promptName":   p.PromptName,
		"inputTokens":  p.InputTokens,
		"outputTokens": p.OutputTokens,
	}
}

// error
type ServerEventParamError struct {
	Code    string
	Message string
	Details any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	if v, ok := m["code"].(string); ok {
		p.Code = v
	} else {
		return errors.New("missing code")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["details"]; ok {
		p.Details = v
	}
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	out := map[string]any{
		"code":    p.Code,
		"message": p.Message,
	}
	if p.Details != nil {
		out["details"] = p.Details
	}
	return out
}
