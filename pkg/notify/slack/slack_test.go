package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"

	"github.com/jxucoder/TeleVPS/pkg/audit"
)

type fakeSlack struct {
	mu    sync.Mutex
	forms []map[string]string
	ok    bool
}

func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := map[string]string{"path": r.URL.Path}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.mu.Lock()
	f.forms = append(f.forms, form)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !f.ok {
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
		return
	}
	w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
}

func newNotifier(t *testing.T, ok bool) (*Notifier, *fakeSlack) {
	t.Helper()
	fake := &fakeSlack{ok: ok}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	return New("xoxb-test", "C123", slack.OptionAPIURL(srv.URL+"/")), fake
}

func TestNotify_PostsEntry(t *testing.T) {
	n, fake := newNotifier(t, true)

	err := n.Notify(context.Background(), &audit.Entry{
		Action:   audit.ActionDestroy,
		Target:   "vps_42_abcde",
		Platform: "discord",
		ActorID:  7,
		ActorTag: "op",
		Outcome:  audit.OutcomeOK,
		Detail:   "confirmed",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(fake.forms) != 1 {
		t.Fatalf("expected 1 request, got %d", len(fake.forms))
	}
	form := fake.forms[0]
	if !strings.HasSuffix(form["path"], "chat.postMessage") {
		t.Fatalf("unexpected path %q", form["path"])
	}
	if form["channel"] != "C123" {
		t.Fatalf("channel = %q", form["channel"])
	}
	if !strings.Contains(form["text"], "destroy vps_42_abcde: ok") {
		t.Fatalf("fallback text = %q", form["text"])
	}
	if !strings.Contains(form["blocks"], "by op (7) via discord | confirmed") {
		t.Fatalf("blocks missing context: %s", form["blocks"])
	}
}

func TestNotify_APIError(t *testing.T) {
	n, _ := newNotifier(t, false)

	err := n.Notify(context.Background(), &audit.Entry{Action: audit.ActionStart, Target: "x", Outcome: audit.OutcomeFailed})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected channel_not_found error, got %v", err)
	}
}
