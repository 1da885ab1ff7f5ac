package monitor

import (
	"testing"
)

func TestScan(t *testing.T) {
	s := NewEscapeScanner()

	tests := []struct {
		name         string
		output       string
		wantMinCount int
		wantPattern  string
	}{
		{"root account dump", "root:x:0:0:root:/root:/bin/bash", 1, "root_account_dump"},
		{"docker socket", "found: /var/run/docker.sock", 1, "runtime_socket"},
		{"containerd socket", "socket: containerd.sock listening", 1, "runtime_socket"},
		{"release agent", "wrote to release_agent", 1, "cgroup_escape"},
		{"kernel version", "Linux version 6.8.0-40-generic (buildd@host)", 1, "kernel_version_leak"},
		{"metadata service", "GET http://169.254.169.254/latest/meta-data/", 1, "metadata_service"},
		{"init environ", "read 4096 bytes from /proc/1/environ", 1, "init_environ"},
		{"capability mask", "CapEff:\t0000000000000000", 1, "capability_probe"},
		{"mount table", "overlay / overlay rw,relatime 0 0", 1, "mount_table_probe"},
		{"clean output", "ndvi delta: -0.18\nregion ok\n", 0, ""},
		{"empty output", "", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := s.Scan("exec-1", tt.output)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in detections: %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestViolation(t *testing.T) {
	s := NewEscapeScanner()

	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"critical detection", "cat /var/run/docker.sock", true},
		{"high detection", "Linux version 5.15.0", true},
		{"medium only", "CapEff:\t00000000a80425fb", false},
		{"clean", "result = 42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := s.Scan("exec-1", tt.output)
			if got := Violation(dets); got != tt.want {
				t.Errorf("Violation() = %v, want %v (detections: %v)", got, tt.want, dets)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	s := NewEscapeScanner()
	dets := s.Scan("exec-1", "ls -la /var/run/docker.sock && cat /proc/1/environ")
	if len(dets) < 2 {
		t.Fatalf("expected at least 2 detections, got %d", len(dets))
	}
	summary := Describe(dets)
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}
