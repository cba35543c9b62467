package ui

import (
	"image/color"
	"io"
	"log/slog"
	"strings"
	"testing"

	"calx-go/services/appstate"
	"calx-go/types"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type posts struct{ evs []types.Event }

func (p *posts) Post(ev types.Event) bool { p.evs = append(p.evs, ev); return true }

func TestLines_ChunksAndKeepsParagraphs(t *testing.T) {
	got := Lines("abcdefgh\n\nxy\n\n", 3)
	want := []string{"abc", "def", "gh", "", "xy"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q", got)
	}
	if len(Lines("", 4)) != 0 {
		t.Fatal("empty text should have no lines")
	}
}

func TestNextTextSize_Cycles(t *testing.T) {
	s := types.TextSmall
	for _, want := range []types.TextSize{types.TextNormal, types.TextLarge, types.TextSmall} {
		s = NextTextSize(s)
		if s != want {
			t.Fatalf("got %d want %d", s, want)
		}
	}
}

func TestFileScroll_PagesAndClamps(t *testing.T) {
	s := NewScreens(&posts{}, types.TextSmall, quietLog())
	// 10 lines of 21 chars, 4 rows visible.
	s.SetFile(types.FileContent{Content: strings.Repeat("x", 21*10)})

	s.HandleScreenKey(types.StateFile, types.KeyEquals)
	if p := s.Page(types.StateFile); !p.Up || !p.Down {
		t.Fatalf("page=%+v", p)
	}
	for i := 0; i < 5; i++ {
		s.HandleScreenKey(types.StateFile, types.KeyEquals)
	}
	if s.fileScroll != 6 {
		t.Fatalf("scroll=%d", s.fileScroll)
	}
	if p := s.Page(types.StateFile); p.Down {
		t.Fatal("bottom page still reports more below")
	}
	for i := 0; i < 5; i++ {
		s.HandleScreenKey(types.StateFile, types.KeyDel)
	}
	if s.fileScroll != 0 {
		t.Fatalf("scroll=%d", s.fileScroll)
	}
}

func TestChat_PagesMessagesAndSends(t *testing.T) {
	p := &posts{}
	s := NewScreens(p, types.TextNormal, quietLog())
	s.SetChat([]types.ChatMessage{
		{Sender: "web", Content: "first"},
		{Sender: "web", Content: "second"},
	})
	if !s.Notification() {
		t.Fatal("new messages should raise the notification")
	}
	s.Enter(types.StateChat)
	if s.Notification() {
		t.Fatal("entering chat should clear the notification")
	}

	if pg := s.Page(types.StateChat); pg.Text != "web: second" {
		t.Fatalf("newest page=%q", pg.Text)
	}
	s.HandleScreenKey(types.StateChat, types.KeyEquals)
	s.HandleScreenKey(types.StateChat, types.KeyEquals)
	if pg := s.Page(types.StateChat); pg.Text != "web: first" {
		t.Fatalf("older page=%q", pg.Text)
	}
	s.HandleScreenKey(types.StateChat, types.KeyDel)
	if pg := s.Page(types.StateChat); pg.Text != "web: second" {
		t.Fatalf("back page=%q", pg.Text)
	}

	s.HandleScreenKey(types.StateChat, types.KeyOK)
	if len(p.evs) != 1 || p.evs[0].Kind != types.EventChatSendRequested || p.evs[0].Data != QuickReply {
		t.Fatalf("events=%+v", p.evs)
	}
}

func TestAI_MoreRequestsContinuation(t *testing.T) {
	p := &posts{}
	s := NewScreens(p, types.TextNormal, quietLog())

	s.HandleScreenKey(types.StateAI, types.KeyOK)
	if len(p.evs) != 0 {
		t.Fatal("OK without more content should do nothing")
	}

	s.SetAI(types.AIResponse{Content: "part one", HasMore: true, Cursor: "c1"}, false)
	if pg := s.Page(types.StateAI); !pg.More {
		t.Fatal("more marker missing")
	}
	s.HandleScreenKey(types.StateAI, types.KeyOK)
	if len(p.evs) != 1 || p.evs[0].Kind != types.EventAIMoreRequested || p.evs[0].Data != "c1" {
		t.Fatalf("events=%+v", p.evs)
	}

	s.SetAI(types.AIResponse{Content: "part two"}, true)
	if pg := s.Page(types.StateAI); pg.More || pg.Text != "part one\npart two" {
		t.Fatalf("page=%+v", pg)
	}
}

func TestAI_TypedPromptIsSent(t *testing.T) {
	p := &posts{}
	s := NewScreens(p, types.TextNormal, quietLog())
	s.SetAI(types.AIResponse{Content: "old", HasMore: true, Cursor: "c1"}, false)

	for _, k := range []types.Key{types.Key1, types.KeyPlus, types.Key2, types.Key9, types.KeyDel} {
		s.HandleScreenKey(types.StateAI, k)
	}
	if pg := s.Page(types.StateAI); pg.Prompt != "> 1+2" {
		t.Fatalf("prompt=%q", pg.Prompt)
	}

	s.HandleScreenKey(types.StateAI, types.KeyOK)
	if len(p.evs) != 1 || p.evs[0].Kind != types.EventAIQueryRequested || p.evs[0].Data != "1+2" {
		t.Fatalf("events=%+v", p.evs)
	}
	if pg := s.Page(types.StateAI); pg.Prompt != "" {
		t.Fatal("prompt not cleared after send")
	}
}

// ---- renderer ----

type panel struct {
	w, h     int16
	px       map[[2]int16]bool
	displays int
}

func newPanel() *panel { return &panel{w: 128, h: 32, px: map[[2]int16]bool{}} }

func (p *panel) Size() (int16, int16) { return p.w, p.h }
func (p *panel) SetPixel(x, y int16, c color.RGBA) {
	if c.R != 0 || c.G != 0 || c.B != 0 {
		p.px[[2]int16{x, y}] = true
	} else {
		delete(p.px, [2]int16{x, y})
	}
}
func (p *panel) Display() error { p.displays++; return nil }

func TestRenderer_SkipsIdenticalFrames(t *testing.T) {
	p := newPanel()
	r := NewRenderer(p, quietLog())
	v := View{App: appstate.Snapshot{State: types.StateIdle}, Online: true, Battery: 80}

	if ok, err := r.Draw(v); !ok || err != nil {
		t.Fatalf("first draw ok=%v err=%v", ok, err)
	}
	if len(p.px) == 0 {
		t.Fatal("idle screen drew nothing")
	}
	if ok, _ := r.Draw(v); ok || p.displays != 1 {
		t.Fatalf("identical frame pushed again, displays=%d", p.displays)
	}
	v.Battery = 79
	if ok, _ := r.Draw(v); !ok || p.displays != 2 {
		t.Fatal("changed frame not pushed")
	}
}

func TestRenderer_OtaBarTracksProgress(t *testing.T) {
	p := newPanel()
	r := NewRenderer(p, quietLog())
	r.Draw(View{App: appstate.Snapshot{State: types.StateOtaUpdate}, Progress: 50})

	// 50% of the 104px track is 52px starting at x=12.
	if !p.px[[2]int16{12 + 51, 25}] || p.px[[2]int16{12 + 53, 25}] {
		t.Fatal("bar width does not match progress")
	}
}

func TestRenderer_DarkWhileOff(t *testing.T) {
	p := newPanel()
	r := NewRenderer(p, quietLog())
	v := View{App: appstate.Snapshot{State: types.StateBoot}}
	r.Draw(v)

	r.SetPower(false)
	if len(p.px) != 0 {
		t.Fatal("panel not blanked")
	}
	if ok, _ := r.Draw(v); ok || len(p.px) != 0 {
		t.Fatal("drew while off")
	}
	r.SetPower(true)
	if ok, _ := r.Draw(v); !ok || len(p.px) == 0 {
		t.Fatal("no redraw after wake")
	}
}
