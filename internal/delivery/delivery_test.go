package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/archivist/internal/channels/chunk"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

type sent struct {
	op      string
	target  string
	content string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sent
	failOnOp string
	failAt   int
}

func (f *fakeSender) record(op, target, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnOp == op && f.failAt == len(f.sent) {
		return errors.New("discord 503")
	}
	f.sent = append(f.sent, sent{op: op, target: target, content: content})
	return nil
}

func (f *fakeSender) EditOriginal(ctx context.Context, appID, token, content string) error {
	return f.record("edit", token, content)
}

func (f *fakeSender) FollowUp(ctx context.Context, appID, token, content string) error {
	return f.record("followup", token, content)
}

func (f *fakeSender) Reply(ctx context.Context, channelID, messageID, content string) error {
	return f.record("reply", messageID, content)
}

func acknowledged(t *testing.T, deadline time.Time) *models.Interaction {
	t.Helper()
	in := &models.Interaction{ID: "i-1", AppID: "app", Token: "tok", AuthorID: "42", Deadline: deadline}
	if err := in.Transition(models.InteractionAcknowledged); err != nil {
		t.Fatal(err)
	}
	return in
}

func TestDeliverDeferredReconstructsReply(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{Limit: 50})
	in := acknowledged(t, time.Now().Add(time.Minute))

	prefix := DeferredPrefix("42", "why is the sky blue?")
	text := strings.Repeat("Rayleigh scattering favours short wavelengths. ", 6)
	if err := d.DeliverDeferred(context.Background(), in, prefix, text); err != nil {
		t.Fatalf("DeliverDeferred() error = %v", err)
	}

	if len(sender.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(sender.sent))
	}
	var rebuilt strings.Builder
	for i, s := range sender.sent {
		wantOp := "followup"
		if i == 0 {
			wantOp = "edit"
		}
		if s.op != wantOp || s.target != "tok" {
			t.Errorf("chunk %d sent via %s to %s", i, s.op, s.target)
		}
		if chunk.Len(s.content) > 50 {
			t.Errorf("chunk %d has %d runes", i, chunk.Len(s.content))
		}
		rebuilt.WriteString(s.content)
	}
	if rebuilt.String() != prefix+text {
		t.Errorf("reconstruction mismatch:\n%q\n%q", rebuilt.String(), prefix+text)
	}
	if !strings.HasPrefix(sender.sent[0].content, "<@42>\n> why is the sky blue?") {
		t.Errorf("first chunk = %q", sender.sent[0].content)
	}
	if in.State() != models.InteractionDelivered {
		t.Errorf("state = %s", in.State())
	}
}

func TestDeliverDeferredFailureStopsAndMarksFailed(t *testing.T) {
	sender := &fakeSender{failOnOp: "followup", failAt: 1}
	store := storage.NewMemoryStore()
	in := acknowledged(t, time.Time{})
	if _, err := store.RecordInteraction(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	d := New(sender, Config{Limit: 20, States: store})

	err := d.DeliverDeferred(context.Background(), in, "", strings.Repeat("word ", 20))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent = %d, want only the edited placeholder", len(sender.sent))
	}
	if in.State() != models.InteractionFailed {
		t.Errorf("state = %s", in.State())
	}
	if got, ok := store.InteractionState("i-1"); !ok || got != models.InteractionFailed {
		t.Errorf("persisted state = %s", got)
	}
}

func TestDeliverDeferredExpiredToken(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{Limit: 100})
	in := acknowledged(t, time.Now().Add(-time.Second))

	err := d.DeliverDeferred(context.Background(), in, "", "late")
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("error = %v, want ErrTokenExpired", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("nothing should be sent after the token expired")
	}
	if in.State() != models.InteractionFailed {
		t.Errorf("state = %s", in.State())
	}
}

func TestDeliverDeferredEmptyTextStillEdits(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, Config{Limit: 100})
	in := acknowledged(t, time.Time{})

	if err := d.DeliverDeferred(context.Background(), in, "", ""); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 || sender.sent[0].op != "edit" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestDeliverProactive(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		limit    int
		want     string
		truncate bool
	}{
		{name: "fits", text: "hello", limit: 100, want: "<@7> hello"},
		{name: "truncated", text: strings.Repeat("a", 50), limit: 20, truncate: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			d := New(sender, Config{Limit: tt.limit})
			if err := d.DeliverProactive(context.Background(), "chan", "m-9", "7", tt.text); err != nil {
				t.Fatal(err)
			}
			if len(sender.sent) != 1 || sender.sent[0].op != "reply" || sender.sent[0].target != "m-9" {
				t.Fatalf("sent = %+v", sender.sent)
			}
			got := sender.sent[0].content
			if tt.truncate {
				if chunk.Len(got) != tt.limit || !strings.HasSuffix(got, chunk.Ellipsis) {
					t.Errorf("content = %q (%d runes)", got, chunk.Len(got))
				}
				return
			}
			if got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}
