package runner

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stackd/stackd/internal/cancel"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Line(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, level+": "+message)
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	sink := &recordingSink{}
	r := New(nil)

	res, err := r.Run(Command{
		Command: `sh -c "echo one; echo two 1>&2; exit 3"`,
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.TimedOut || res.Cancelled {
		t.Fatalf("unexpected flags: %+v", res)
	}

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("lines = %v, want 2 entries", got)
	}
	found := map[string]bool{}
	for _, l := range got {
		found[l] = true
	}
	if !found["info: one"] || !found["error: two"] {
		t.Fatalf("lines = %v", got)
	}
}

func TestRunSuccessExitCodeZero(t *testing.T) {
	r := New(nil)
	res, err := r.Run(Command{Command: "true"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunCancellationKillsProcess(t *testing.T) {
	flag := cancel.NewFlag()
	r := New(nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		flag.Set()
	}()

	start := time.Now()
	res, err := r.Run(Command{
		Command: "sleep 30",
		Cancel:  flag,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
	if !res.Cancelled {
		t.Fatalf("result = %+v, want Cancelled", res)
	}
	if res.TimedOut {
		t.Fatalf("result = %+v, TimedOut should be false", res)
	}
}

func TestRunTimeoutSetsFlagAndTimedOut(t *testing.T) {
	flag := cancel.NewFlag()
	r := New(nil)

	start := time.Now()
	res, err := r.Run(Command{
		Command: "sleep 30",
		Timeout: 150 * time.Millisecond,
		Cancel:  flag,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
	if !res.TimedOut {
		t.Fatalf("result = %+v, want TimedOut", res)
	}
	if res.Cancelled {
		t.Fatalf("result = %+v, Cancelled should yield to TimedOut", res)
	}
	if !flag.IsSet() {
		t.Fatal("timeout should set the cancel flag")
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := New(nil)
	if _, err := r.Run(Command{Command: "definitely-not-a-real-binary-xyz"}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"npm run build", []string{"npm", "run", "build"}},
		{`sh -c "echo hi"`, []string{"sh", "-c", "echo hi"}},
		{`git log -1 --pretty='%B|%an|%at'`, []string{"git", "log", "-1", "--pretty=%B|%an|%at"}},
		{"  yarn   install  ", []string{"yarn", "install"}},
		{`echo "it's fine"`, []string{"echo", "it's fine"}},
		{`grep 'a\.b' file`, []string{"grep", `a\.b`, "file"}},
		{`echo es\ caped`, []string{"echo", "es caped"}},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := SplitCommand(tc.in)
		if err != nil {
			t.Fatalf("SplitCommand(%q): %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitCommand(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSplitCommandUnterminatedQuote(t *testing.T) {
	if _, err := SplitCommand(`echo "unterminated`); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}
