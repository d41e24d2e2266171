package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/archivist/internal/background"
	"github.com/haasonsaas/archivist/internal/channels"
	"github.com/haasonsaas/archivist/internal/channels/chunk"
	"github.com/haasonsaas/archivist/internal/channels/discord"
	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/delivery"
	"github.com/haasonsaas/archivist/internal/lease"
	"github.com/haasonsaas/archivist/internal/memory"
	"github.com/haasonsaas/archivist/internal/memory/backend/sqlitevec"
	"github.com/haasonsaas/archivist/internal/responder"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

const (
	testChannel = "500"
	testBot     = "999"
)

// fakeHistory serves a fixed chronological history a page at a time.
type fakeHistory struct {
	mu       sync.Mutex
	messages []*models.Message
	calls    int
	failOn   int // 1-based call number that fails; 0 never fails
	afters   []string
}

func (f *fakeHistory) FetchPage(ctx context.Context, channelID, afterID string, limit int) (*discord.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.afters = append(f.afters, afterID)
	if f.failOn == f.calls {
		return nil, channels.ErrUnavailable("fetch channel history", errors.New("503"))
	}

	var eligible []*models.Message
	for _, m := range f.messages {
		if afterID == "" || models.CompareIDs(m.ID, afterID) > 0 {
			eligible = append(eligible, m)
		}
	}
	if afterID == "" && len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	page := &discord.Page{Messages: eligible, HasMore: len(eligible) == limit}
	for _, m := range eligible {
		page.LastID = models.LaterID(page.LastID, m.ID)
	}
	return page, nil
}

type recordingMemory struct {
	mu       sync.Mutex
	indexed  []string
	queries  []string
	response []models.ContextItem
}

func (m *recordingMemory) Index(ctx context.Context, msgs []*models.Message) memory.IndexResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res memory.IndexResult
	for _, msg := range msgs {
		if !msg.HasContent() {
			res.Empty++
			continue
		}
		m.indexed = append(m.indexed, msg.ID)
		res.Indexed++
	}
	return res
}

func (m *recordingMemory) Retrieve(ctx context.Context, query, namespace string) []models.ContextItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, namespace+"|"+query)
	return m.response
}

type scriptedComposer struct {
	mu     sync.Mutex
	inputs []responder.Input
	reply  string
}

func (c *scriptedComposer) Compose(ctx context.Context, in responder.Input) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
	return c.reply
}

type outbound struct {
	op, target, content string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []outbound
	err  error
}

func (s *fakeSender) add(op, target, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, outbound{op, target, content})
	return nil
}

func (s *fakeSender) EditOriginal(ctx context.Context, appID, token, content string) error {
	return s.add("edit", token, content)
}

func (s *fakeSender) FollowUp(ctx context.Context, appID, token, content string) error {
	return s.add("followup", token, content)
}

func (s *fakeSender) Reply(ctx context.Context, channelID, messageID, content string) error {
	return s.add("reply", messageID, content)
}

type harness struct {
	runner   *Runner
	store    *storage.MemoryStore
	history  *fakeHistory
	memory   *recordingMemory
	composer *scriptedComposer
	sender   *fakeSender
}

func newHarness(t *testing.T, msgs []*models.Message, mem Memory, pageSize, budget int) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		history:  &fakeHistory{messages: msgs},
		memory:   &recordingMemory{},
		composer: &scriptedComposer{reply: "generated answer"},
		sender:   &fakeSender{},
	}
	if mem == nil {
		mem = h.memory
	}
	runner, err := NewRunner(Config{
		ChannelID:         testChannel,
		BotID:             testBot,
		AppID:             testBot,
		LeaseTTL:          time.Minute,
		PageSize:          pageSize,
		MaxMessagesPerRun: budget,
	}, Deps{
		Lease:        lease.NewStoreLease(h.store, nil),
		Cursors:      h.store,
		Messages:     h.store,
		Interactions: h.store,
		Source:       h.history,
		Memory:       mem,
		Composer:     h.composer,
		Deliverer:    delivery.New(h.sender, delivery.Config{Limit: 1900, States: h.store}),
		Background:   background.New(background.Config{}),
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	h.runner = runner
	return h
}

func message(id int, author, content string) *models.Message {
	return &models.Message{
		ID:                fmt.Sprint(id),
		ChannelID:         testChannel,
		AuthorID:          "u-" + author,
		AuthorDisplayName: author,
		Content:           content,
		CreatedAt:         time.Date(2024, 5, 1, 12, 0, id, 0, time.UTC),
	}
}

func history(n int) []*models.Message {
	msgs := make([]*models.Message, n)
	for i := range msgs {
		msgs[i] = message(1001+i, "ana", fmt.Sprintf("message %d", i+1))
	}
	return msgs
}

// keywordEmbedder places texts on fixed axes so indexing is deterministic.
type keywordEmbedder struct{}

func (keywordEmbedder) vector(text string) []float32 {
	v := []float32{0.1, 0.1}
	if strings.Contains(text, "cats") {
		v[0] = 1
	}
	if strings.Contains(text, "dogs") {
		v[1] = 1
	}
	return v
}

func (e keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (keywordEmbedder) Name() string      { return "keyword" }
func (keywordEmbedder) Dimension() int    { return 2 }
func (keywordEmbedder) MaxBatchSize() int { return 10 }

func TestSyncArchivesIndexesAndAdvancesCursor(t *testing.T) {
	b, err := sqlitevec.New(sqlitevec.Config{Dimension: 2})
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.New(b, keywordEmbedder{}, config.MemoryConfig{
		Dimension: 2,
		Indexing:  config.IndexingConfig{BatchSize: 10, Concurrency: 1},
		Search:    config.SearchConfig{Mode: "semantic", TopK: 3},
	}, memory.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	msgs := []*models.Message{
		message(1001, "ana", "I like cats"),
		message(1002, "bo", ""),
		message(1003, "cy", "dogs are loyal"),
	}
	h := newHarness(t, msgs, mem, 100, 1000)
	ctx := context.Background()

	report, err := h.runner.Sync(ctx, "test")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Archived != 3 || report.Inserted != 3 || h.store.Count() != 3 {
		t.Fatalf("report = %+v, stored = %d", report, h.store.Count())
	}
	cursor, _ := h.store.GetCursor(ctx, "last_message_id")
	if cursor != "1003" || report.Cursor != "1003" {
		t.Errorf("cursor = %q, report cursor = %q", cursor, report.Cursor)
	}
	if report.Indexed.Indexed != 2 || report.Indexed.Empty != 1 {
		t.Errorf("indexed = %+v", report.Indexed)
	}
	stats, err := mem.Stats(ctx, testChannel)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Vectors != 2 {
		t.Errorf("vectors in namespace %s = %d, want 2", testChannel, stats.Vectors)
	}
	if report.Stop != StopCaughtUp {
		t.Errorf("stop = %s", report.Stop)
	}
}

func TestSyncIsIdempotentAndResumes(t *testing.T) {
	h := newHarness(t, history(5), nil, 2, 1000)
	ctx := context.Background()

	if _, err := h.runner.Sync(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	// Nothing new: the second run starts at the cursor and archives nothing.
	report, err := h.runner.Sync(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if report.Inserted != 0 || h.store.Count() != 5 {
		t.Errorf("second run inserted %d, stored %d", report.Inserted, h.store.Count())
	}
	if got := h.history.afters[len(h.history.afters)-1]; got != "1005" {
		t.Errorf("second run fetched after %q, want 1005", got)
	}
}

func TestSyncStopsAtBudget(t *testing.T) {
	h := newHarness(t, history(10), nil, 2, 4)
	ctx := context.Background()
	if err := h.store.SetCursor(ctx, "last_message_id", "1000"); err != nil {
		t.Fatal(err)
	}

	report, err := h.runner.Sync(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	if report.Stop != StopBudget || report.Pages != 2 || report.Archived != 4 {
		t.Fatalf("report = %+v", report)
	}
	cursor, _ := h.store.GetCursor(ctx, "last_message_id")
	if cursor != "1004" {
		t.Errorf("cursor = %q, want 1004", cursor)
	}
}

func TestSyncFetchFailureKeepsConfirmedCursor(t *testing.T) {
	h := newHarness(t, history(6), nil, 2, 100)
	h.history.failOn = 2
	ctx := context.Background()
	if err := h.store.SetCursor(ctx, "last_message_id", "1000"); err != nil {
		t.Fatal(err)
	}

	report, err := h.runner.Sync(ctx, "test")
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if !channels.IsTransient(err) {
		t.Errorf("error should be transient: %v", err)
	}
	cursor, _ := h.store.GetCursor(ctx, "last_message_id")
	if cursor != "1002" || report.Stop != StopFetchError {
		t.Errorf("cursor = %q, stop = %s", cursor, report.Stop)
	}

	// The lease was released, so the next tick resumes from 1002.
	h.history.failOn = 0
	if _, err := h.runner.Sync(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	if h.store.Count() != 6 {
		t.Errorf("stored = %d", h.store.Count())
	}
}

func TestSyncSkipsWhenLeaseHeld(t *testing.T) {
	h := newHarness(t, history(3), nil, 100, 1000)
	ctx := context.Background()
	other := lease.NewStoreLease(h.store, nil)
	granted, err := other.Acquire(ctx, "sync_lock", time.Minute)
	if err != nil || !granted {
		t.Fatalf("Acquire() = %v, %v", granted, err)
	}

	report, err := h.runner.Sync(ctx, "test")
	if err != nil {
		t.Fatalf("contention must not be an error: %v", err)
	}
	if !report.Skipped || h.history.calls != 0 {
		t.Errorf("report = %+v, fetch calls = %d", report, h.history.calls)
	}
}

func TestSyncStopsWhenLeaseExpiring(t *testing.T) {
	h := newHarness(t, history(6), nil, 2, 100)
	base := time.Now()
	calls := 0
	h.runner.now = func() time.Time { return base }
	h.runner.fetcher.now = func() time.Time {
		calls++
		if calls > 1 {
			return base.Add(2 * time.Minute)
		}
		return base
	}

	report, err := h.runner.Sync(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if report.Stop != StopLeaseExpiring || report.Pages != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestSyncAnswersOnlyLatestMention(t *testing.T) {
	msgs := []*models.Message{
		message(1001, "ana", "hello"),
		message(1002, "bo", "<@999> what's up"),
		message(1003, "cy", "nothing"),
		message(1004, "di", "hey <@!999> is it raining?"),
		message(1005, "ed", "ok"),
	}
	h := newHarness(t, msgs, nil, 100, 1000)

	report, err := h.runner.Sync(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if report.Mentions != 2 || !report.Replied {
		t.Fatalf("report = %+v", report)
	}
	if len(h.composer.inputs) != 1 {
		t.Fatalf("compose calls = %d", len(h.composer.inputs))
	}
	in := h.composer.inputs[0]
	if in.Text != "hey is it raining?" || in.Mode != responder.ModeDirected || in.Author != "di" {
		t.Errorf("compose input = %+v", in)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("sent = %+v", h.sender.sent)
	}
	reply := h.sender.sent[0]
	if reply.op != "reply" || reply.target != "1004" || reply.content != "<@u-di> generated answer" {
		t.Errorf("reply = %+v", reply)
	}
	if len(h.memory.queries) != 1 || h.memory.queries[0] != testChannel+"|hey is it raining?" {
		t.Errorf("retrieval = %v", h.memory.queries)
	}
}

func TestSyncIgnoresOwnMessages(t *testing.T) {
	own := message(1001, "bot", "<@999> talking to myself")
	own.AuthorID = testBot
	h := newHarness(t, []*models.Message{own}, nil, 100, 1000)

	report, err := h.runner.Sync(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if report.Mentions != 0 || len(h.sender.sent) != 0 {
		t.Errorf("report = %+v, sent = %v", report, h.sender.sent)
	}
}

func TestAskAcknowledgesThenEditsPlaceholder(t *testing.T) {
	h := newHarness(t, nil, nil, 100, 1000)
	h.memory.response = []models.ContextItem{{AuthorDisplayName: "bo", Content: "it rained yesterday"}}
	h.composer.reply = strings.Repeat("It will rain. ", 200)
	ctx := context.Background()

	dup, err := h.runner.Ask(ctx, AskRequest{
		InteractionID: "int-1",
		Token:         "tok",
		AuthorID:      "42",
		Author:        "ana",
		Question:      "will it rain?",
	})
	if err != nil || dup {
		t.Fatalf("Ask() = %v, %v", dup, err)
	}
	if state, _ := h.store.InteractionState("int-1"); state != models.InteractionAcknowledged && state != models.InteractionDelivered {
		t.Errorf("state after ack = %s", state)
	}

	h.runner.Background().Wait()

	if len(h.sender.sent) < 2 {
		t.Fatalf("expected placeholder edit plus follow-ups, got %d", len(h.sender.sent))
	}
	first := h.sender.sent[0]
	if first.op != "edit" || !strings.HasPrefix(first.content, "<@42>\n> will it rain?\n\n") {
		t.Errorf("first chunk = %+v", first)
	}
	var rebuilt strings.Builder
	for _, s := range h.sender.sent {
		if chunk.Len(s.content) > 1900 {
			t.Errorf("chunk over limit: %d", chunk.Len(s.content))
		}
		rebuilt.WriteString(s.content)
	}
	if rebuilt.String() != delivery.DeferredPrefix("42", "will it rain?")+h.composer.reply {
		t.Error("chunks do not reconstruct the reply")
	}
	in := h.composer.inputs[0]
	if in.Mode != responder.ModeDirected || len(in.Context) != 1 {
		t.Errorf("compose input = %+v", in)
	}
	if state, _ := h.store.InteractionState("int-1"); state != models.InteractionDelivered {
		t.Errorf("final state = %s", state)
	}
}

func TestAskDeduplicatesRedelivery(t *testing.T) {
	h := newHarness(t, nil, nil, 100, 1000)
	ctx := context.Background()
	req := AskRequest{InteractionID: "int-2", Token: "tok", AuthorID: "42", Question: "hi?"}

	if dup, err := h.runner.Ask(ctx, req); err != nil || dup {
		t.Fatalf("first Ask() = %v, %v", dup, err)
	}
	dup, err := h.runner.Ask(ctx, req)
	if err != nil || !dup {
		t.Fatalf("second Ask() = %v, %v", dup, err)
	}
	h.runner.Background().Wait()
	if len(h.composer.inputs) != 1 {
		t.Errorf("compose calls = %d, want 1", len(h.composer.inputs))
	}
}

func TestAskDeliveryFailureMarksFailed(t *testing.T) {
	h := newHarness(t, nil, nil, 100, 1000)
	h.sender.err = channels.ErrRateLimit("edit interaction response", nil)

	if _, err := h.runner.Ask(context.Background(), AskRequest{InteractionID: "int-3", Token: "t", Question: "q"}); err != nil {
		t.Fatal(err)
	}
	h.runner.Background().Wait()
	if state, _ := h.store.InteractionState("int-3"); state != models.InteractionFailed {
		t.Errorf("state = %s", state)
	}
}
