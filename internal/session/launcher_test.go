package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orchestrator/devchain/internal/events"
	"github.com/orchestrator/devchain/internal/mcpensure"
	"github.com/orchestrator/devchain/internal/store"
)

type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]bool
	started  []string
	pasted   map[string]string
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: map[string]bool{}, pasted: map[string]string{}}
}

func (f *fakeMux) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeMux) NewSessionWithCommand(ctx context.Context, name, workDir string, argv []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	f.started = append(f.started, name)
	return nil
}

func (f *fakeMux) SendPaste(ctx context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pasted[name] = text
	return nil
}

func (f *fakeMux) SendEnter(ctx context.Context, name string) error { return nil }

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

type fakePreflight struct{ status CheckStatus }

func (f *fakePreflight) ProviderMCPStatus(ctx context.Context, projectPath, providerName string) (CheckStatus, error) {
	return f.status, nil
}
func (f *fakePreflight) InvalidateProject(projectPath string) {}

type fakeMCPEnsurer struct{ calls int }

func (f *fakeMCPEnsurer) EnsureMCP(ctx context.Context, providerID, projectPath string) (mcpensure.Outcome, error) {
	f.calls++
	return mcpensure.OutcomeAdded, nil
}

func newTestLauncher(t *testing.T) (*Launcher, *store.Store, *fakeMux, Request) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "devchain.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	project, err := st.EnsureProject("demo", t.TempDir())
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	provider, err := st.EnsureProvider("claude", "/usr/bin/claude")
	if err != nil {
		t.Fatalf("EnsureProvider: %v", err)
	}
	profile, err := st.EnsureProfile(project.ID, "default", provider.ID, "")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	agent, err := st.EnsureAgent(project.ID, "worker-1", profile.ID)
	if err != nil {
		t.Fatalf("EnsureAgent: %v", err)
	}

	mux := newFakeMux()
	bus := events.NewBus(st, events.NewHub())
	l := New(st, mux, &fakePreflight{status: CheckPass}, &fakeMCPEnsurer{}, bus)
	req := Request{ProjectID: project.ID, AgentID: agent.ID}
	return l, st, mux, req
}

func TestLaunchSessionStartsMultiplexerAndPersistsSession(t *testing.T) {
	l, st, mux, req := newTestLauncher(t)

	res, err := l.LaunchSession(context.Background(), req)
	if err != nil {
		t.Fatalf("LaunchSession: %v", err)
	}
	if res.Status != store.SessionRunning {
		t.Fatalf("status = %v, want running", res.Status)
	}
	if len(mux.started) != 1 {
		t.Fatalf("started sessions = %v, want 1", mux.started)
	}

	sess, err := st.GetActiveSessionByAgent(req.AgentID)
	if err != nil {
		t.Fatalf("GetActiveSessionByAgent: %v", err)
	}
	if sess.ID != res.ID {
		t.Fatalf("session id mismatch: %s vs %s", sess.ID, res.ID)
	}
}

func TestLaunchSessionIsIdempotentForAnActiveAgent(t *testing.T) {
	l, _, mux, req := newTestLauncher(t)

	first, err := l.LaunchSession(context.Background(), req)
	if err != nil {
		t.Fatalf("first LaunchSession: %v", err)
	}
	second, err := l.LaunchSession(context.Background(), req)
	if err != nil {
		t.Fatalf("second LaunchSession: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent result, got %s then %s", first.ID, second.ID)
	}
	if len(mux.started) != 1 {
		t.Fatalf("expected exactly one tmux session to be started, got %d", len(mux.started))
	}
}

func TestLaunchSessionFailsClosedWhenMCPNeverBecomesHealthy(t *testing.T) {
	l, _, mux, req := newTestLauncher(t)
	l.preflight = &fakePreflight{status: CheckFail}
	ensurer := &fakeMCPEnsurer{}
	l.mcpensure = ensurer

	_, err := l.LaunchSession(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error when MCP status never recovers")
	}
	if ensurer.calls != 1 {
		t.Fatalf("expected exactly one MCP-ensure retry, got %d", ensurer.calls)
	}
	if len(mux.started) != 0 {
		t.Fatal("expected no tmux session to be started when preflight fails")
	}
}

func TestWithAgentLockDeadlocksOnReentrantCall(t *testing.T) {
	lock := NewAgentLock()
	done := make(chan struct{})

	go func() {
		_ = lock.WithAgentLock("agent-1", func() error {
			return lock.WithAgentLock("agent-1", func() error {
				return nil
			})
		})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected a reentrant WithAgentLock call on the same key to deadlock, but it returned")
	case <-time.After(200 * time.Millisecond):
		// Expected: the nested call never acquires the held mutex.
	}
}

func TestParseOptionsHandlesQuotingAndRejectsControlChars(t *testing.T) {
	argv, err := ParseOptions(`--flag "hello world" 'single quoted' plain`)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	want := []string{"--flag", "hello world", "single quoted", "plain"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}

	if _, err := ParseOptions("--flag \x01bad"); err == nil {
		t.Fatal("expected an error for an embedded control character")
	}
	if _, err := ParseOptions(`--flag "unterminated`); err == nil {
		t.Fatal("expected an error for an unterminated quote")
	}
}
