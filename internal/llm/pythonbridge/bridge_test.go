package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"AgentResonance/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCallParsesToolOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"text\":\" ok \",\"tool_name\":\"declare_gap\",\"tool_args\":{\"description\":\"设计师\"}}'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	res, err := client.Call(context.Background(), []llm.Message{llm.User("x")}, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text != "ok" || res.ToolName != "declare_gap" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCallHonoursContext(t *testing.T) {
	script := writeScript(t, "sleep 5\n")
	client, _ := NewClient("sh", script, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Call(ctx, nil, nil); err == nil {
		t.Fatalf("expected error when context expires")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt/bridge", "run.py"); got != filepath.Join("/opt/bridge", "run.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/opt/bridge", "/abs/run.py"); got != "/abs/run.py" {
		t.Fatalf("absolute path should be kept, got %s", got)
	}
}
