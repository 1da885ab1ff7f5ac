package sandbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agent-engine/internal/runtime"
)

func testProfile() runtime.Profile {
	return runtime.Profile{
		Name:      "python-sci",
		Image:     "ghcr.io/agent-engine/python-sci:3.12",
		Extension: ".py",
	}
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		stderr   string
		want     RunStatus
	}{
		{"clean exit", 0, "", StatusCompleted},
		{"clean exit with stderr noise", 0, "DeprecationWarning: ...", StatusCompleted},
		{"oom kill", 137, "", StatusMemoryExceeded},
		{"interpreter MemoryError", 1, "Traceback ...\nMemoryError", StatusMemoryExceeded},
		{"plain traceback", 1, "Traceback ...\nValueError: bad input", StatusRuntimeFailure},
		{"segfault", 139, "", StatusRuntimeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyExit(tt.exitCode, tt.stderr); got != tt.want {
				t.Errorf("classifyExit(%d, %q) = %s, want %s", tt.exitCode, tt.stderr, got, tt.want)
			}
		})
	}
}

func TestDependencyFailure(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{
			"missing module",
			Outcome{Status: StatusRuntimeFailure, ErrorDetail: "ModuleNotFoundError: No module named 'torch'"},
			true,
		},
		{
			"import error",
			Outcome{Status: StatusRuntimeFailure, ErrorDetail: "ImportError: cannot import name 'foo'"},
			true,
		},
		{
			"ordinary failure",
			Outcome{Status: StatusRuntimeFailure, ErrorDetail: "ZeroDivisionError: division by zero"},
			false,
		},
		{
			"import error text but run completed",
			Outcome{Status: StatusCompleted, Output: "ImportError is a builtin"},
			false,
		},
		{
			"timed out run mentioning imports",
			Outcome{Status: StatusTimedOut, ErrorDetail: "ImportError"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.DependencyFailure(); got != tt.want {
				t.Errorf("DependencyFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncateOutput(t *testing.T) {
	short := "hello"
	if got := truncateOutput(short, 100); got != short {
		t.Errorf("short output modified: %q", got)
	}

	long := strings.Repeat("x", 200)
	got := truncateOutput(long, 100)
	if !strings.HasPrefix(got, strings.Repeat("x", 100)) {
		t.Error("truncated output lost its prefix")
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("missing truncation marker: %q", got[len(got)-30:])
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     RunRequest
		wantErr bool
	}{
		{
			"valid",
			RunRequest{ExecutionID: "exec-1", Code: "result = 1", Profile: testProfile()},
			false,
		},
		{
			"empty execution id",
			RunRequest{Code: "result = 1", Profile: testProfile()},
			true,
		},
		{
			"empty code",
			RunRequest{ExecutionID: "exec-1", Profile: testProfile()},
			true,
		},
		{
			"code > 1MB",
			RunRequest{ExecutionID: "exec-1", Code: strings.Repeat("x", 1<<20+1), Profile: testProfile()},
			true,
		},
		{
			"profile without image",
			RunRequest{ExecutionID: "exec-1", Code: "result = 1"},
			true,
		},
		{
			"limits out of range",
			RunRequest{
				ExecutionID: "exec-1", Code: "result = 1", Profile: testProfile(),
				Limits: ResourceLimits{MemoryMB: 1 << 20},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := validateRequest(&req)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error %v does not wrap ErrInvalidRequest", err)
			}
		})
	}
}

func TestValidateRequest_FillsDefaults(t *testing.T) {
	req := RunRequest{ExecutionID: "exec-1", Code: "result = 1", Profile: testProfile()}
	limits, err := validateRequest(&req)
	if err != nil {
		t.Fatalf("validateRequest: %v", err)
	}
	if limits != DefaultLimits() {
		t.Errorf("limits = %+v, want defaults", limits)
	}

	req.Limits = ResourceLimits{WallClock: 5 * time.Minute}
	limits, err = validateRequest(&req)
	if err != nil {
		t.Fatalf("validateRequest: %v", err)
	}
	if limits.WallClock != 5*time.Minute {
		t.Errorf("WallClock = %s, want explicit 5m kept", limits.WallClock)
	}
	if limits.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want default 512", limits.MemoryMB)
	}
}

func TestWriteWorkspace(t *testing.T) {
	dir := t.TempDir()
	req := RunRequest{
		ExecutionID: "exec-1",
		Code:        "result = params['a'] + params['b']",
		Params:      map[string]any{"a": 1, "b": 2},
		Profile:     testProfile(),
	}

	if err := writeWorkspace(dir, "agent.py", &req); err != nil {
		t.Fatalf("writeWorkspace: %v", err)
	}

	code, err := os.ReadFile(filepath.Join(dir, "agent.py"))
	if err != nil {
		t.Fatalf("read code: %v", err)
	}
	if !strings.Contains(string(code), req.Code) {
		t.Error("wrapped source does not contain the original code")
	}
	if !strings.Contains(string(code), "/workspace/params.json") {
		t.Error("wrapped source does not reference the params file")
	}

	raw, err := os.ReadFile(filepath.Join(dir, "params.json"))
	if err != nil {
		t.Fatalf("read params: %v", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		t.Fatalf("params.json not valid JSON: %v", err)
	}
	if params["a"].(float64) != 1 {
		t.Errorf("params[a] = %v, want 1", params["a"])
	}
}

func TestWriteWorkspace_NilParams(t *testing.T) {
	dir := t.TempDir()
	req := RunRequest{ExecutionID: "exec-1", Code: "result = 1", Profile: testProfile()}

	if err := writeWorkspace(dir, "agent.py", &req); err != nil {
		t.Fatalf("writeWorkspace: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "params.json"))
	if err != nil {
		t.Fatalf("read params: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "{}" {
		t.Errorf("params.json = %q, want {}", raw)
	}
}
