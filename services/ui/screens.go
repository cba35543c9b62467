// Package ui holds the content screens (Chat, File, AI) and draws every
// application state onto the panel.
package ui

import (
	"log/slog"
	"strings"
	"sync"

	"calx-go/types"
	"calx-go/x/mathx"
)

// QuickReply is what OK sends from the chat screen.
const QuickReply = "Hello from device!"

type Poster interface{ Post(types.Event) bool }

// Page is the visible slice of a content screen.
type Page struct {
	Text string // visible lines joined by '\n'
	Up   bool   // content above
	Down bool   // content below
	More bool   // AI response continues on the server

	Prompt string // AI prompt being typed, shown on the bottom row
}

// Screens is the key handler and model for Chat, File and AI. Safe for
// concurrent use.
type Screens struct {
	post Poster
	log  *slog.Logger

	mu     sync.Mutex
	size   types.TextSize
	notify bool

	chat       []types.ChatMessage // oldest first
	chatPage   int                 // 0 is the newest message
	chatScroll int

	file       string
	fileScroll int

	ai       types.AIResponse
	aiScroll int
	prompt   string
}

func NewScreens(post Poster, size types.TextSize, log *slog.Logger) *Screens {
	if log == nil {
		log = slog.Default()
	}
	return &Screens{post: post, size: size, log: log.With(slog.String("svc", "ui"))}
}

// Enter resets per-screen position when st becomes current.
func (s *Screens) Enter(st types.AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st {
	case types.StateChat:
		s.chatPage, s.chatScroll = 0, 0
		s.notify = false
	case types.StateFile:
		s.fileScroll = 0
	case types.StateAI:
		s.aiScroll = 0
		s.prompt = ""
	}
}

func (s *Screens) SetTextSize(ts types.TextSize) {
	s.mu.Lock()
	s.size = ts
	s.mu.Unlock()
}

func (s *Screens) TextSize() types.TextSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// SetChat replaces the conversation. A grown conversation raises the idle
// notification dot.
func (s *Screens) SetChat(msgs []types.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) > len(s.chat) {
		s.notify = true
	}
	s.chat = append(s.chat[:0:0], msgs...)
	s.chatPage = mathx.Clamp(s.chatPage, 0, mathx.Max(len(s.chat)-1, 0))
}

func (s *Screens) SetFile(f types.FileContent) {
	s.mu.Lock()
	s.file = f.Content
	s.fileScroll = 0
	s.mu.Unlock()
}

// SetAI shows r. A continuation is appended to what is already shown.
func (s *Screens) SetAI(r types.AIResponse, continued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if continued && s.ai.Content != "" {
		r.Content = s.ai.Content + "\n" + r.Content
	} else {
		s.aiScroll = 0
	}
	s.ai = r
}

func (s *Screens) Notification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *Screens) ClearNotification() {
	s.mu.Lock()
	s.notify = false
	s.mu.Unlock()
}

// Clear forgets all content.
func (s *Screens) Clear() {
	s.mu.Lock()
	s.chat, s.chatPage, s.chatScroll = nil, 0, 0
	s.file, s.fileScroll = "", 0
	s.ai, s.aiScroll, s.prompt = types.AIResponse{}, 0, ""
	s.notify = false
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

// HandleScreenKey implements appstate.Screens.
func (s *Screens) HandleScreenKey(st types.AppState, k types.Key) {
	switch st {
	case types.StateChat:
		s.chatKey(k)
	case types.StateFile:
		s.fileKey(k)
	case types.StateAI:
		s.aiKey(k)
	}
}

func (s *Screens) chatKey(k types.Key) {
	s.mu.Lock()
	m := MetricsFor(s.size)
	n := len(Lines(s.chatTextLocked(), m.Cols))
	switch k {
	case types.KeyUp:
		s.chatScroll--
	case types.KeyDown:
		s.chatScroll++
	case types.KeyEquals:
		s.chatPage++
		s.chatScroll = 0
	case types.KeyDel:
		s.chatPage--
		s.chatScroll = 0
	}
	s.chatPage = mathx.Clamp(s.chatPage, 0, mathx.Max(len(s.chat)-1, 0))
	s.chatScroll = clampScroll(s.chatScroll, n, m.Rows)
	s.mu.Unlock()

	if k == types.KeyOK {
		s.request(types.Event{Kind: types.EventChatSendRequested, Data: QuickReply})
	}
}

func (s *Screens) fileKey(k types.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := MetricsFor(s.size)
	n := len(Lines(s.file, m.Cols))
	switch k {
	case types.KeyUp:
		s.fileScroll--
	case types.KeyDown:
		s.fileScroll++
	case types.KeyEquals:
		s.fileScroll += m.Rows
	case types.KeyDel:
		s.fileScroll -= m.Rows
	}
	s.fileScroll = clampScroll(s.fileScroll, n, m.Rows)
}

// promptChars maps calculator keys onto the AI prompt.
var promptChars = map[types.Key]byte{
	types.KeyPlus:     '+',
	types.KeyMinus:    '-',
	types.KeyMultiply: '*',
	types.KeyDivide:   '/',
	types.KeyDot:      '.',
}

// MaxPrompt bounds the AI prompt typed on the keypad.
const MaxPrompt = 32

// aiKey: calculator keys type a prompt, OK sends it (or asks for the rest of
// the last answer when nothing is typed). DEL erases before it pages.
func (s *Screens) aiKey(k types.Key) {
	s.mu.Lock()
	if d, ok := k.Digit(); ok {
		s.typeLocked(byte('0' + d))
		s.mu.Unlock()
		return
	}
	if c, ok := promptChars[k]; ok {
		s.typeLocked(c)
		s.mu.Unlock()
		return
	}
	if k == types.KeyDel && s.prompt != "" {
		s.prompt = s.prompt[:len(s.prompt)-1]
		s.mu.Unlock()
		return
	}

	m := MetricsFor(s.size)
	n := len(Lines(s.ai.Content, m.Cols))
	switch k {
	case types.KeyUp:
		s.aiScroll--
	case types.KeyDown:
		s.aiScroll++
	case types.KeyEquals:
		s.aiScroll += m.Rows
	case types.KeyDel:
		s.aiScroll -= m.Rows
	}
	s.aiScroll = clampScroll(s.aiScroll, n, m.Rows)
	prompt, more, cursor := s.prompt, s.ai.HasMore, s.ai.Cursor
	if k == types.KeyOK {
		s.prompt = ""
	}
	s.mu.Unlock()

	if k != types.KeyOK {
		return
	}
	switch {
	case prompt != "":
		s.request(types.Event{Kind: types.EventAIQueryRequested, Data: prompt})
	case more && cursor != "":
		s.request(types.Event{Kind: types.EventAIMoreRequested, Data: cursor})
	}
}

func (s *Screens) typeLocked(c byte) {
	if len(s.prompt) < MaxPrompt {
		s.prompt += string(c)
	}
}

func (s *Screens) request(ev types.Event) {
	if s.post == nil || !s.post.Post(ev) {
		s.log.Warn("request dropped", slog.String("kind", ev.Kind.String()))
	}
}

// clampScroll keeps the window inside the content: the last line may sit at
// the bottom of the screen but not above it.
func clampScroll(scroll, lines, rows int) int {
	return mathx.Clamp(scroll, 0, mathx.Max(lines-rows, 0))
}

// -----------------------------------------------------------------------------
// Pages
// -----------------------------------------------------------------------------

// Page returns what st currently shows.
func (s *Screens) Page(st types.AppState) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st {
	case types.StateChat:
		text := s.chatTextLocked()
		if text == "" {
			text = "No messages"
		}
		return s.pageLocked(text, s.chatScroll, false, 0)
	case types.StateFile:
		text := s.file
		if text == "" {
			text = "No file"
		}
		return s.pageLocked(text, s.fileScroll, false, 0)
	case types.StateAI:
		if s.prompt != "" {
			p := s.pageLocked(s.ai.Content, s.aiScroll, false, 1)
			p.Prompt = "> " + s.prompt
			return p
		}
		text := s.ai.Content
		if text == "" {
			text = "Type, then OK"
		}
		return s.pageLocked(text, s.aiScroll, s.ai.HasMore, 0)
	}
	return Page{}
}

// pageLocked windows text; reserve rows are kept free at the bottom.
func (s *Screens) pageLocked(text string, scroll int, more bool, reserve int) Page {
	m := MetricsFor(s.size)
	rows := m.Rows - reserve
	if more {
		// Bottom row shows the continuation marker.
		rows--
	}
	rows = mathx.Max(rows, 1)
	lines := Lines(text, m.Cols)
	scroll = clampScroll(scroll, len(lines), rows)
	end := mathx.Min(scroll+rows, len(lines))
	return Page{
		Text: strings.Join(lines[scroll:end], "\n"),
		Up:   scroll > 0,
		Down: end < len(lines),
		More: more,
	}
}

func (s *Screens) chatTextLocked() string {
	if len(s.chat) == 0 {
		return ""
	}
	msg := s.chat[len(s.chat)-1-s.chatPage]
	if msg.Sender == "" {
		return msg.Content
	}
	return msg.Sender + ": " + msg.Content
}
