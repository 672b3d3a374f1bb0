package duplex

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxstream/duplex/shared"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateSessionOpen
	StatePromptOpen
	StatePromptClosed
	StateSessionClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSessionOpen:
		return "SESSION_OPEN"
	case StatePromptOpen:
		return "PROMPT_OPEN"
	case StatePromptClosed:
		return "PROMPT_CLOSED"
	case StateSessionClosed:
		return "SESSION_CLOSED"
	}
	return "UNKNOWN"
}

type ContentType string

const (
	ContentTypeAudio ContentType = "AUDIO"
	ContentTypeText  ContentType = "TEXT"
	ContentTypeTool  ContentType = "TOOL"
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleTool      Role = "TOOL"
	RoleSystem    Role = "SYSTEM"
)

// CloseReason records why a session reached SESSION_CLOSED.
type CloseReason string

const (
	CloseReasonClientEnd      CloseReason = "clientEnd"
	CloseReasonSwitch         CloseReason = "configSwitch"
	CloseReasonTransportError CloseReason = "transportError"
	CloseReasonProtocolError  CloseReason = "protocolError"
)

// RecordKind tags entries in the session event log.
type RecordKind string

const (
	RecordSessionOpen  RecordKind = "sessionOpen"
	RecordPromptOpen   RecordKind = "promptOpen"
	RecordContentOpen  RecordKind = "contentOpen"
	RecordChunk        RecordKind = "chunk"
	RecordContentClose RecordKind = "contentClose"
	RecordPromptClose  RecordKind = "promptClose"
	RecordSessionClose RecordKind = "sessionClose"
)

// Record is one immutable entry in the session event log. Text chunks carry
// their payload so the transcript can be rebuilt across a configuration
// switch; audio chunks record size only.
type Record struct {
	Kind       RecordKind
	ContentID  string
	Type       ContentType
	Role       Role
	Text       string
	AudioBytes int
	At         time.Time
}

// SessionConfig is the model-facing configuration installed at session open.
type SessionConfig struct {
	MaxTokens   int
	TopP        float64
	Temperature float64
}

type contentBlock struct {
	id     string
	typ    ContentType
	role   Role
	remote bool
	chunks int
}

// Session tracks the lifecycle of one conversation:
// IDLE -> SESSION_OPEN -> PROMPT_OPEN -> CONTENT_OPEN* -> PROMPT_CLOSED ->
// SESSION_CLOSED. Content blocks are re-entrant within an open prompt, but an
// id may never be open twice, nor reopened after a close within the same
// prompt. All mutating calls go through the owning stream manager; reads by
// the switch controller happen only after session closure.
type Session struct {
	mu sync.Mutex

	id         string
	state      SessionState
	promptName string
	cfg        SessionConfig

	open   map[string]*contentBlock
	closed map[string]struct{} // ids closed within the current prompt
	log    []Record

	closeReason CloseReason
}

func NewSession() *Session {
	return &Session{
		id:     shared.NewSessionID(),
		state:  StateIdle,
		open:   map[string]*contentBlock{},
		closed: map[string]struct{}{},
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PromptName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptName
}

func (s *Session) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) record(r Record) {
	r.At = time.Now()
	s.log = append(s.log, r)
}

func (s *Session) OpenSession(cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("open session in state %s: %w", s.state, shared.ErrInvalidTransition)
	}
	s.state = StateSessionOpen
	s.cfg = cfg
	s.record(Record{Kind: RecordSessionOpen})
	return nil
}

func (s *Session) OpenPrompt(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSessionOpen && s.state != StatePromptClosed {
		return fmt.Errorf("open prompt in state %s: %w", s.state, shared.ErrInvalidTransition)
	}
	if name == "" {
		name = shared.NewPromptID()
	}
	s.state = StatePromptOpen
	s.promptName = name
	s.closed = map[string]struct{}{}
	s.record(Record{Kind: RecordPromptOpen})
	return nil
}

func (s *Session) OpenContent(id string, typ ContentType, role Role) error {
	return s.openContent(id, typ, role, false)
}

// OpenRemoteContent opens a block on behalf of the model stream. Remote
// blocks are excluded from client-side teardown.
func (s *Session) OpenRemoteContent(id string, typ ContentType, role Role) error {
	return s.openContent(id, typ, role, true)
}

func (s *Session) openContent(id string, typ ContentType, role Role, remote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePromptOpen {
		return fmt.Errorf("open content in state %s: %w", s.state, shared.ErrInvalidTransition)
	}
	if _, ok := s.open[id]; ok {
		return fmt.Errorf("content %s: %w", id, shared.ErrDuplicateContentID)
	}
	if _, ok := s.closed[id]; ok {
		return fmt.Errorf("content %s already closed in this prompt: %w", id, shared.ErrDuplicateContentID)
	}
	s.open[id] = &contentBlock{id: id, typ: typ, role: role, remote: remote}
	s.record(Record{Kind: RecordContentOpen, ContentID: id, Type: typ, Role: role})
	return nil
}

// AppendChunk accepts a payload chunk for an open content block. Text chunks
// pass their payload through to the log; audio chunks log size only.
func (s *Session) AppendChunk(id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.open[id]
	if !ok {
		return fmt.Errorf("content %s: %w", id, shared.ErrUnknownContentID)
	}
	block.chunks++
	rec := Record{Kind: RecordChunk, ContentID: id, Type: block.typ, Role: block.role}
	if block.typ == ContentTypeAudio {
		rec.AudioBytes = len(payload)
	} else {
		rec.Text = string(payload)
	}
	s.record(rec)
	return nil
}

func (s *Session) CloseContent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.open[id]
	if !ok {
		return fmt.Errorf("close content %s: %w", id, shared.ErrInvalidTransition)
	}
	delete(s.open, id)
	s.closed[id] = struct{}{}
	s.record(Record{Kind: RecordContentClose, ContentID: id, Type: block.typ, Role: block.role})
	return nil
}

func (s *Session) ClosePrompt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePromptOpen {
		return fmt.Errorf("close prompt in state %s: %w", s.state, shared.ErrInvalidTransition)
	}
	for id, block := range s.open {
		if !block.remote {
			return fmt.Errorf("close prompt with open content block %s: %w", id, shared.ErrInvalidTransition)
		}
	}
	// Remote blocks left open by an interrupted turn close with the prompt.
	for id, block := range s.open {
		delete(s.open, id)
		s.closed[id] = struct{}{}
		s.record(Record{Kind: RecordContentClose, ContentID: id, Type: block.typ, Role: block.role})
	}
	s.state = StatePromptClosed
	s.record(Record{Kind: RecordPromptClose})
	return nil
}

func (s *Session) CloseSession(reason CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateSessionClosed {
		return fmt.Errorf("close session in state %s: %w", s.state, shared.ErrInvalidTransition)
	}
	s.state = StateSessionClosed
	s.closeReason = reason
	s.record(Record{Kind: RecordSessionClose})
	return nil
}

// ForceClose marks the session closed regardless of state. Used on transport
// failure where the normal teardown order cannot be honored.
func (s *Session) ForceClose(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSessionClosed {
		return
	}
	s.state = StateSessionClosed
	s.closeReason = reason
	s.record(Record{Kind: RecordSessionClose})
}

// LocalOpenContentIDs lists client-opened blocks that are still open, so
// teardown can emit their contentEnd events.
func (s *Session) LocalOpenContentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.open))
	for id, block := range s.open {
		if !block.remote {
			ids = append(ids, id)
		}
	}
	return ids
}

// Log returns a copy of the session event log.
func (s *Session) Log() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.log))
	copy(out, s.log)
	return out
}

// TranscriptTurn is one condensed conversational turn, reconstructed from the
// event log for replay after a configuration switch.
type TranscriptTurn struct {
	Role Role
	Text string
}

// Transcript condenses the event log into ordered text turns. Consecutive
// text chunks of the same content block are joined; audio-only blocks are
// skipped (raw audio history is never replayed).
func (s *Session) Transcript() []TranscriptTurn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var turns []TranscriptTurn
	pending := map[string]*TranscriptTurn{}
	order := []string{}
	flush := func(id string) {
		if turn, ok := pending[id]; ok && turn.Text != "" {
			turns = append(turns, *turn)
		}
		delete(pending, id)
	}
	for _, rec := range s.log {
		switch rec.Kind {
		case RecordContentOpen:
			if rec.Type == ContentTypeText {
				pending[rec.ContentID] = &TranscriptTurn{Role: rec.Role}
				order = append(order, rec.ContentID)
			}
		case RecordChunk:
			if turn, ok := pending[rec.ContentID]; ok {
				turn.Text += rec.Text
			}
		case RecordContentClose:
			flush(rec.ContentID)
		}
	}
	// Blocks never closed (e.g. interrupted turn) still contribute.
	for _, id := range order {
		flush(id)
	}
	return turns
}
