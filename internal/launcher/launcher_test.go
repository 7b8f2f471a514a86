package launcher

import (
	"os"
	"syscall"
	"testing"
)

func TestLaunchSuccess(t *testing.T) {
	dir := t.TempDir()
	out, err := os.CreateTemp(dir, "out")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer out.Close()

	res, err := Launch([]string{"/bin/echo", "hello"}, "", nil, -1, int(out.Fd()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PID <= 0 {
		t.Fatalf("expected positive pid, got %d", res.PID)
	}

	// Reap to avoid leaving a zombie.
	_, _ = syscall.Wait4(res.PID, nil, 0, nil)
}

func TestLaunchExecutableNotFound(t *testing.T) {
	_, err := Launch([]string{"/no/such/binary"}, "", nil, -1, -1)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !NotFound(err) {
		t.Fatalf("expected NotFound(err), got: %v", err)
	}
}

func TestLaunchCwdNotFound(t *testing.T) {
	_, err := Launch([]string{"/bin/true"}, "/no/such/dir", nil, -1, -1)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !NotFound(err) {
		t.Fatalf("expected NotFound(err), got: %v", err)
	}

	execErr, ok := err.(*ExecError)
	if !ok {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if execErr.Op != "chdir" {
		t.Fatalf("expected chdir op, got %q", execErr.Op)
	}
}

func TestLaunchIllegalEnvKey(t *testing.T) {
	_, err := Launch([]string{"/bin/true"}, "", map[string]string{"A=B": "x"}, -1, -1)
	if err == nil {
		t.Fatalf("expected error")
	}
}
