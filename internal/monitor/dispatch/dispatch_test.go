package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/gatekeeper/internal/monitor"
)

type fakeChannel struct {
	name string
	fail bool

	mu    sync.Mutex
	sends int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, a Alert) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	if f.fail {
		return errors.New("channel down")
	}
	return nil
}

func (f *fakeChannel) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func incident(sev monitor.Severity) *monitor.CorrelatedIncident {
	return &monitor.CorrelatedIncident{
		ID:        "01JTEST" + string(sev),
		Key:       "10.0.0.1|malicious_input",
		Type:      monitor.EventMaliciousInput,
		Severity:  sev,
		State:     monitor.StateEscalated,
		Count:     3,
		FirstSeen: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}
}

func TestDispatch_CriticalUsesTwoChannels(t *testing.T) {
	t.Parallel()
	pager := &fakeChannel{name: "pager"}
	chat := &fakeChannel{name: "chat"}
	smtp := &fakeChannel{name: "smtp"}
	d := New([]Channel{pager, chat, smtp}, time.Second)
	d.afterFunc = func(time.Duration, func()) {} // sin retry en este test

	inc := incident(monitor.SevCritical)
	d.Dispatch(context.Background(), inc)

	if pager.sent() != 1 || chat.sent() != 1 {
		t.Fatalf("pager=%d chat=%d, want 1 y 1", pager.sent(), chat.sent())
	}
	if smtp.sent() != 0 {
		t.Fatal("el tercer canal no debería usarse si los dos primeros confirman")
	}
	if got := d.Confirmations(inc.ID); got != 2 {
		t.Fatalf("confirmations = %d, want 2", got)
	}
}

func TestDispatch_MediumUsesOneChannel(t *testing.T) {
	t.Parallel()
	pager := &fakeChannel{name: "pager"}
	chat := &fakeChannel{name: "chat"}
	d := New([]Channel{pager, chat}, time.Second)

	d.Dispatch(context.Background(), incident(monitor.SevMedium))
	if pager.sent() != 1 || chat.sent() != 0 {
		t.Fatalf("pager=%d chat=%d, want 1 y 0", pager.sent(), chat.sent())
	}
}

func TestDispatch_FailedChannelFallsThrough(t *testing.T) {
	t.Parallel()
	pager := &fakeChannel{name: "pager", fail: true}
	chat := &fakeChannel{name: "chat"}
	smtp := &fakeChannel{name: "smtp"}
	d := New([]Channel{pager, chat, smtp}, time.Second)
	d.afterFunc = func(time.Duration, func()) {}

	inc := incident(monitor.SevHigh)
	d.Dispatch(context.Background(), inc)

	// pager falló: chat y smtp completan las dos entregas requeridas
	if chat.sent() != 1 || smtp.sent() != 1 {
		t.Fatalf("chat=%d smtp=%d, want 1 y 1", chat.sent(), smtp.sent())
	}
	if got := d.Confirmations(inc.ID); got != 2 {
		t.Fatalf("confirmations = %d, want 2", got)
	}
}

func TestDispatch_CriticalUnconfirmedRetries(t *testing.T) {
	t.Parallel()
	pager := &fakeChannel{name: "pager", fail: true}
	chat := &fakeChannel{name: "chat", fail: true}
	smtp := &fakeChannel{name: "smtp"}
	d := New([]Channel{pager, chat, smtp}, time.Second)

	// el retry corre inline para que el test sea determinístico
	var retry func()
	d.afterFunc = func(_ time.Duration, f func()) { retry = f }

	inc := incident(monitor.SevCritical)
	d.Dispatch(context.Background(), inc)

	// fanout inicial: pager y chat fallan, smtp confirma como tercero
	if got := d.Confirmations(inc.ID); got != 1 {
		t.Fatalf("confirmations = %d, want 1", got)
	}

	// con una confirmación, el retry no re-manda nada
	before := smtp.sent()
	retry()
	if smtp.sent() != before {
		t.Fatal("retry con confirmación previa no debería mandar de nuevo")
	}
}

func TestDispatch_RetryWhenNothingConfirmed(t *testing.T) {
	t.Parallel()
	pager := &fakeChannel{name: "pager", fail: true}
	chat := &fakeChannel{name: "chat", fail: true}
	d := New([]Channel{pager, chat}, time.Second)

	var retry func()
	d.afterFunc = func(_ time.Duration, f func()) { retry = f }

	inc := incident(monitor.SevCritical)
	d.Dispatch(context.Background(), inc)
	if got := d.Confirmations(inc.ID); got != 0 {
		t.Fatalf("confirmations = %d, want 0", got)
	}

	// el canal de chat se recupera antes del retry
	chat.mu.Lock()
	chat.fail = false
	chat.mu.Unlock()

	retry()
	if got := d.Confirmations(inc.ID); got != 1 {
		t.Fatalf("confirmations tras retry = %d, want 1", got)
	}
}

func TestDispatch_ConfirmationTrackingEvicted(t *testing.T) {
	t.Parallel()
	pager := &fakeChannel{name: "pager"}
	d := New([]Channel{pager}, time.Second)

	// los callbacks diferidos corren inline, en orden de programación
	var pending []func()
	d.afterFunc = func(_ time.Duration, f func()) { pending = append(pending, f) }

	inc := incident(monitor.SevMedium)
	d.Dispatch(context.Background(), inc)
	if got := d.Confirmations(inc.ID); got != 1 {
		t.Fatalf("confirmations = %d, want 1", got)
	}

	// vencida la ventana, el tracking se libera
	pending[0]()
	if got := d.Confirmations(inc.ID); got != 0 {
		t.Fatalf("confirmations tras la ventana = %d, want 0", got)
	}

	// un critical libera recién después de la ventana del retry
	pending = nil
	crit := incident(monitor.SevCritical)
	d.Dispatch(context.Background(), crit)
	pending[0]() // retry + programa la eviction
	if got := d.Confirmations(crit.ID); got == 0 {
		t.Fatal("el retry no puede perder las confirmaciones previas")
	}
	pending[1]()
	if got := d.Confirmations(crit.ID); got != 0 {
		t.Fatalf("confirmations tras la ventana del retry = %d, want 0", got)
	}
}

func TestWebhook_PostsJSON(t *testing.T) {
	t.Parallel()

	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("request inesperado: %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhook("pager", srv.URL)
	a := Alert{IncidentID: "01JX", Severity: monitor.SevHigh, Title: "[high] malicious_input x3"}
	if err := ch.Send(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if got.IncidentID != "01JX" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhook_NonOKStatusIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhook("chat", srv.URL)
	if err := ch.Send(context.Background(), Alert{IncidentID: "01JY"}); err == nil {
		t.Fatal("502 tiene que reportarse como error")
	}
}
