package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/config"
	"github.com/tinyland-inc/drumline/pkg/knowledge"
	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
	"github.com/tinyland-inc/drumline/pkg/providers"
	"github.com/tinyland-inc/drumline/pkg/store"
)

type fakeCatalog struct {
	song   knowledge.Song
	result knowledge.Result
	query  string
}

func (f *fakeCatalog) Query(_ context.Context, q string) (knowledge.Song, knowledge.Result) {
	f.query = q
	return f.song, f.result
}

type fakeGenerator struct {
	reply string
	err   error
	last  providers.Request
	calls int
}

func (f *fakeGenerator) Generate(_ context.Context, req providers.Request) (string, error) {
	f.calls++
	f.last = req
	return f.reply, f.err
}

func (f *fakeGenerator) DefaultModel() string { return "fake-model" }

func stepData(text string) pipeline.Context {
	return pipeline.Context{
		KeyMessage: bus.InboundMessage{UserID: "u", Content: text},
		KeyParsed:  Parsed{Text: text, Language: "en", Addressed: true},
	}
}

func stepRun(data pipeline.Context) *pipeline.Run {
	return pipeline.NewRun("hashed-user", "", []string{"s"}, data)
}

// --- context fetch ---

func TestContextFetch_FirstContact(t *testing.T) {
	mem := store.NewMemory()
	cf := NewContextFetch(mem)
	data := stepData("hi")
	run := stepRun(data)

	out := cf.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	profile, ok := pipeline.Decode[Profile](out.Output, KeyProfile)
	if !ok {
		t.Fatal("no profile in output")
	}
	if !profile.FirstTime || !profile.HadNoRecord {
		t.Errorf("profile = %+v, want first contact", profile)
	}

	// The user record is persisted as a side effect.
	u, err := mem.GetUser(context.Background(), run.UserID)
	if err != nil || u == nil {
		t.Fatalf("user not persisted: %v", err)
	}
	if u.Language != "en" {
		t.Errorf("language = %q", u.Language)
	}
}

func TestContextFetch_StoreFailureIsTransient(t *testing.T) {
	mem := store.NewMemory()
	mem.FailWrites = errors.New("locked")
	cf := NewContextFetch(mem)
	run := stepRun(stepData("hi"))

	out := cf.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeTransient {
		t.Errorf("outcome = %+v, want transient", out)
	}
}

func TestContextFetch_ReinvocationIsSafe(t *testing.T) {
	mem := store.NewMemory()
	cf := NewContextFetch(mem)
	run := stepRun(stepData("hi"))

	cf.Execute(context.Background(), run, run.Data)
	out := cf.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("second invocation: %+v", out)
	}
	// The upsert must not have multiplied anything.
	profile, _ := pipeline.Decode[Profile](out.Output, KeyProfile)
	if profile.Impression.InteractionCount != 0 {
		t.Errorf("interaction count = %d, fetch must not count interactions", profile.Impression.InteractionCount)
	}
}

// --- knowledge lookup ---

func TestKnowledgeLookup_NoQuerySkips(t *testing.T) {
	cat := &fakeCatalog{}
	k := NewKnowledgeLookup(cat)
	run := stepRun(stepData("just chatting"))

	out := k.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if cat.query != "" {
		t.Error("catalog queried without a song query")
	}
}

func TestKnowledgeLookup_Found(t *testing.T) {
	cat := &fakeCatalog{song: knowledge.Song{Name: "Saitama 2000", BPM: 200}, result: knowledge.Found}
	k := NewKnowledgeLookup(cat)
	data := stepData("")
	data[KeyParsed] = Parsed{Text: "bpm of saitama", SongQuery: "saitama"}
	run := stepRun(data)

	out := k.Execute(context.Background(), run, run.Data)
	song, ok := pipeline.Decode[knowledge.Song](out.Output, KeySong)
	if !ok || song.BPM != 200 {
		t.Errorf("song = %+v ok=%v", song, ok)
	}
}

func TestKnowledgeLookup_UnavailableIsTransient(t *testing.T) {
	cat := &fakeCatalog{result: knowledge.Unavailable}
	k := NewKnowledgeLookup(cat)
	data := stepData("")
	data[KeyParsed] = Parsed{Text: "bpm of saitama", SongQuery: "saitama"}
	run := stepRun(data)

	out := k.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeTransient {
		t.Errorf("outcome = %+v, want transient", out)
	}
}

func TestKnowledgeLookup_NotFoundSucceeds(t *testing.T) {
	cat := &fakeCatalog{result: knowledge.NotFound}
	k := NewKnowledgeLookup(cat)
	data := stepData("")
	data[KeyParsed] = Parsed{Text: "bpm of zzz", SongQuery: "zzz"}
	run := stepRun(data)

	out := k.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if missed, _ := pipeline.Decode[string](out.Output, "song_not_found"); missed != "zzz" {
		t.Errorf("song_not_found = %q", missed)
	}
}

// --- generate ---

func generateFixture(gen providers.Generator) (*Generate, *store.Memory) {
	mem := store.NewMemory()
	return NewGenerate(gen, preference.NewMachine(mem), config.DefaultConfig()), mem
}

func TestGenerate_ProducesResponse(t *testing.T) {
	gen := &fakeGenerator{reply: "Don! Hello!"}
	g, _ := generateFixture(gen)
	data := stepData("hello mika")
	data[KeyProfile] = Profile{}
	run := stepRun(data)

	out := g.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	resp, _ := pipeline.Decode[string](out.Output, KeyResponse)
	if resp != "Don! Hello!" {
		t.Errorf("response = %q", resp)
	}
}

func TestGenerate_ProposesStatedPreference(t *testing.T) {
	gen := &fakeGenerator{reply: "noted!"}
	g, mem := generateFixture(gen)
	data := stepData("i like heavy metal charts")
	data[KeyProfile] = Profile{}
	run := stepRun(data)

	out := g.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if key, _ := pipeline.Decode[string](out.Output, KeyPending); key != "likes" {
		t.Errorf("pending key = %q, want likes", key)
	}
	fact, err := mem.GetFact(context.Background(), run.UserID, "likes")
	if err != nil {
		t.Fatalf("fact not stored: %v", err)
	}
	if fact.State != preference.StatePending {
		t.Errorf("state = %s", fact.State)
	}
	// The prompt must carry the confirmation request obligation.
	if !strings.Contains(gen.last.System, "confirm") {
		t.Error("system prompt does not ask for confirmation")
	}
}

func TestGenerate_PersistenceFailureIsFatal(t *testing.T) {
	gen := &fakeGenerator{reply: "noted!"}
	g, mem := generateFixture(gen)
	mem.FailWrites = errors.New("disk full")
	data := stepData("i like heavy metal charts")
	data[KeyProfile] = Profile{}
	run := stepRun(data)

	out := g.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeFatal {
		t.Errorf("outcome = %+v, want fatal", out)
	}
	if gen.calls != 0 {
		t.Error("model called after a failed state write")
	}
}

func TestGenerate_ModelErrorIsTransient(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("overloaded")}
	g, _ := generateFixture(gen)
	data := stepData("hello")
	data[KeyProfile] = Profile{}
	run := stepRun(data)

	out := g.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeTransient {
		t.Errorf("outcome = %+v, want transient", out)
	}
}

func TestGenerate_ClientRejectionIsFatal(t *testing.T) {
	gen := &fakeGenerator{err: &anthropicsdk.Error{StatusCode: 401}}
	g, _ := generateFixture(gen)
	data := stepData("hello")
	data[KeyProfile] = Profile{}
	run := stepRun(data)

	out := g.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeFatal {
		t.Errorf("outcome = %+v, want fatal", out)
	}
	if gen.calls != 1 {
		t.Errorf("calls = %d, a rejected key must not be retried", gen.calls)
	}
}

func TestExtractLikedThing(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"我喜欢太鼓", "太鼓"},
		{"我最喜欢千本桜这首歌", "千本桜这首歌"},
		{"i like jazz drumming", "jazz drumming"},
		{"I really love Saitama 2000!", "Saitama 2000"},
		{"what's the bpm", ""},
	}
	for _, c := range cases {
		if got := extractLikedThing(c.text); got != c.want {
			t.Errorf("extractLikedThing(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

// --- commit ---

func commitFixture() (*Commit, *store.Memory, *preference.Machine) {
	mem := store.NewMemory()
	machine := preference.NewMachine(mem)
	return NewCommit(mem, machine), mem, machine
}

func TestCommit_AdvancesImpression(t *testing.T) {
	c, mem, _ := commitFixture()
	data := stepData("thanks!")
	data[KeyProfile] = Profile{Impression: store.Impression{UserID: "hashed-user", InteractionCount: 2}}
	data[KeyResponse] = "you're welcome"
	run := stepRun(data)

	out := c.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}

	im, _ := mem.GetImpression(context.Background(), "hashed-user")
	if im == nil || im.InteractionCount != 3 {
		t.Fatalf("impression = %+v", im)
	}
	if im.Relationship != store.RelationshipAcquaintance {
		t.Errorf("relationship = %s, want acquaintance at 3 interactions", im.Relationship)
	}

	convs, _ := mem.RecentConversations(context.Background(), run.UserID, 10)
	if len(convs) != 1 || convs[0].Response != "you're welcome" {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestCommit_ResolvesPendingOnExplicitYes(t *testing.T) {
	c, mem, machine := commitFixture()
	machine.Propose(context.Background(), "hashed-user", "likes", "taiko")

	data := stepData("yes that's right")
	data[KeyProfile] = Profile{Impression: store.Impression{UserID: "hashed-user"}}
	run := stepRun(data)

	out := c.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	fact, _ := mem.GetFact(context.Background(), "hashed-user", "likes")
	if fact.State != preference.StateConfirmed {
		t.Errorf("state = %s, want confirmed", fact.State)
	}
}

func TestCommit_SkipsFactProposedThisRun(t *testing.T) {
	c, mem, machine := commitFixture()
	machine.Propose(context.Background(), "hashed-user", "likes", "taiko")

	data := stepData("yes")
	data[KeyProfile] = Profile{Impression: store.Impression{UserID: "hashed-user"}}
	data[KeyPending] = "likes"
	run := stepRun(data)

	c.Execute(context.Background(), run, run.Data)
	fact, _ := mem.GetFact(context.Background(), "hashed-user", "likes")
	if fact.State != preference.StatePending {
		t.Errorf("state = %s, fact proposed this run must stay pending", fact.State)
	}
}

func TestCommit_StoreFailureIsTransient(t *testing.T) {
	c, mem, _ := commitFixture()
	mem.FailWrites = errors.New("locked")
	data := stepData("hello")
	data[KeyProfile] = Profile{Impression: store.Impression{UserID: "hashed-user"}}
	run := stepRun(data)

	out := c.Execute(context.Background(), run, run.Data)
	if out.Status != pipeline.OutcomeTransient {
		t.Errorf("outcome = %+v, want transient", out)
	}
}

func TestClassifySignal(t *testing.T) {
	fact := preference.Fact{Key: "likes", Value: "taiko"}
	cases := []struct {
		text string
		want preference.Signal
	}{
		{"yes exactly", preference.SignalExplicitYes},
		{"是的", preference.SignalExplicitYes},
		{"没错！", preference.SignalExplicitYes},
		{"no, not really", preference.SignalExplicitNo},
		{"不对哦", preference.SignalExplicitNo},
		{"taiko is the best, play it every day", preference.SignalImplicitContinuation},
		{"what's the weather like", preference.SignalUnrelated},
	}
	for _, c := range cases {
		if got := classifySignal(c.text, fact); got != c.want {
			t.Errorf("classifySignal(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}
