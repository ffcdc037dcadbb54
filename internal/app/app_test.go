package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"periodicd/internal/clients"
	"periodicd/internal/config"
	"periodicd/internal/periodic"
	logx "periodicd/pkg/logx"
)

type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *recordingNotifier) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *recordingNotifier) has(state string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if s == state {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimLeft(body, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
}

func clientInfo(s *periodic.Scheduler, name string) (periodic.ClientInfo, bool) {
	for _, c := range s.Snapshot().Clients {
		if c.Name == name {
			return c, true
		}
	}
	return periodic.ClientInfo{}, false
}

func TestAppRunsReloadsAndStops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "periodicd.yaml")
	writeConfig(t, path, fmt.Sprintf(`
logging:
  level: error
scheduler:
  workers: 2
history:
  driver: file
  path: %s
clients:
  - name: hb
    kind: heartbeat
    every: 40ms
`, filepath.Join(dir, "runs")))

	n := &recordingNotifier{}
	a, err := New(path, WithNotifier(n.notify))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopRequested)
		}
	}()

	if !n.has(notifyReady) {
		t.Fatal("READY not sent")
	}
	waitFor(t, 2*time.Second, func() bool {
		c, ok := clientInfo(a.Scheduler(), "hb")
		return ok && c.Runs >= 2
	}, "heartbeat runs")
	waitFor(t, 2*time.Second, func() bool {
		recs, err := a.store.Recent(context.Background(), "hb", 0)
		return err == nil && len(recs) > 0
	}, "history records")

	writeConfig(t, path, fmt.Sprintf(`
logging:
  level: error
scheduler:
  enabled: false
  workers: 2
history:
  driver: file
  path: %s
clients:
  - name: hb
    kind: heartbeat
    every: 70ms
  - name: hb2
    kind: heartbeat
    every: 1h
`, filepath.Join(dir, "runs")))
	if _, err := a.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return reflect.DeepEqual(a.Clients(), []string{"hb", "hb2"}) && !a.Scheduler().Enabled()
	}, "reconciled clients and kill switch")

	// hb was retuned in place, so the scheduler still holds the same client.
	a.Scheduler().SetEnabled(true)
	waitFor(t, 2*time.Second, func() bool {
		c, ok := clientInfo(a.Scheduler(), "hb")
		return ok && c.Interval == 70*time.Millisecond
	}, "retuned interval")

	if err := a.Stop(context.Background(), StopRequested); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
	if !n.has(notifyStopping) {
		t.Fatal("STOPPING not sent")
	}
	if a.Scheduler().Len() != 0 || a.Scheduler().LiveWorkers() != 0 {
		t.Fatalf("scheduler not torn down: len=%d live=%d", a.Scheduler().Len(), a.Scheduler().LiveWorkers())
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestNewRejectsUnknownClientKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	writeConfig(t, path, `{"clients":[{"name":"x","kind":"teleport","every":"1s"},{"name":"u","kind":"unitwatch","every":"1m"}]}`)
	_, err := New(path, WithNotifier(nil))
	if !errors.Is(err, clients.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
	if !strings.Contains(err.Error(), "clients[1].units") {
		t.Fatalf("err = %v, want units error", err)
	}
}

func TestReloadRejectsInvalidClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	writeConfig(t, path, `{"logging":{"level":"error"},"clients":[{"name":"hb","kind":"heartbeat","every":"1h"}]}`)
	a, err := New(path, WithNotifier(nil))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopRequested)

	writeConfig(t, path, `{"logging":{"level":"error"},"clients":[{"name":"hb","kind":"heartbeat"}]}`)
	if ok, err := a.Reload(ctx); ok || err == nil {
		t.Fatalf("Reload = %v, %v; want rejection", ok, err)
	}
	if got := a.Clients(); !reflect.DeepEqual(got, []string{"hb"}) {
		t.Fatalf("clients = %v", got)
	}
}

type stubClient struct{ name string }

func (c *stubClient) PeriodicName() string    { return c.name }
func (c *stubClient) Interval() time.Duration { return time.Hour }
func (c *stubClient) Update() (bool, error)   { return true, nil }

func TestClientSetRebuildKeepsPreviousOnFailure(t *testing.T) {
	sched := periodic.New(periodic.WithLogger(logx.Nop()))
	defer sched.Stop(context.Background())

	closed := map[string]int{}
	cs := newClientSet(sched, clients.Deps{}, logx.Nop())
	cs.build = func(spec clients.Spec, _ clients.Deps) (*clients.Handle, error) {
		if spec.Kind == "broken" {
			return nil, errors.New("nope")
		}
		return clients.NewHandle(spec, &stubClient{name: spec.Name}, func() error {
			closed[spec.Name]++
			return nil
		}), nil
	}

	res, err := cs.apply([]config.ClientConfig{
		{Name: "a", Kind: "stub", Every: "1h"},
		{Name: "b", Kind: "stub", Every: "1h"},
	})
	if err != nil || !reflect.DeepEqual(res.Added, []string{"a", "b"}) {
		t.Fatalf("apply = %+v, %v", res, err)
	}
	if sched.Len() != 2 {
		t.Fatalf("registered = %d", sched.Len())
	}

	off := false
	res, err = cs.apply([]config.ClientConfig{
		{Name: "a", Kind: "broken", Every: "1h"},
		{Name: "b", Kind: "stub", Every: "1h", Enabled: &off},
		{Name: "c", Kind: "stub", Timeout: "5s", Every: "1h"},
	})
	if err == nil || !strings.Contains(err.Error(), "keeping previous") {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(res.Removed, []string{"b"}) || !reflect.DeepEqual(res.Added, []string{"c"}) {
		t.Fatalf("result = %+v", res)
	}
	if got := cs.names(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("names = %v", got)
	}
	if closed["b"] != 1 || closed["a"] != 0 {
		t.Fatalf("closed = %v", closed)
	}

	// A timeout change cannot be absorbed in place.
	res, err = cs.apply([]config.ClientConfig{
		{Name: "a", Kind: "stub", Timeout: "2s", Every: "1h"},
		{Name: "c", Kind: "stub", Timeout: "9s", Every: "1h"},
	})
	if err != nil || !reflect.DeepEqual(res.Rebuilt, []string{"a", "c"}) {
		t.Fatalf("apply = %+v, %v", res, err)
	}
	if closed["a"] != 1 || closed["c"] != 1 || sched.Len() != 2 {
		t.Fatalf("closed = %v len = %d", closed, sched.Len())
	}
}

func TestRetunable(t *testing.T) {
	base := clients.Spec{Name: "x", Kind: clients.KindHeartbeat, Every: "1m"}
	cases := []struct {
		name string
		next clients.Spec
		want time.Duration
		ok   bool
	}{
		{"interval", clients.Spec{Name: "x", Kind: clients.KindHeartbeat, Every: "2m"}, 2 * time.Minute, true},
		{"every descriptor", clients.Spec{Name: "x", Kind: clients.KindHeartbeat, Every: "@every 30s"}, 30 * time.Second, true},
		{"to cron", clients.Spec{Name: "x", Kind: clients.KindHeartbeat, Every: "*/5 * * * *"}, 0, false},
		{"kind", clients.Spec{Name: "x", Kind: clients.KindHostStat, Every: "2m"}, 0, false},
		{"timeout", clients.Spec{Name: "x", Kind: clients.KindHeartbeat, Every: "2m", Timeout: time.Second}, 0, false},
	}
	for _, tc := range cases {
		got, ok := retunable(base, tc.next)
		if ok != tc.ok || got != tc.want {
			t.Errorf("%s: retunable = %v, %v; want %v, %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}
