package domain

import "testing"

func TestDescriptorRunning(t *testing.T) {
	var d WorkspaceDescriptor
	if d.Running() {
		t.Error("descriptor without a pid should not be running")
	}

	pid, port := 1234, 8080
	d.PID, d.Port = &pid, &port
	if !d.Running() {
		t.Error("descriptor with pid and port should be running")
	}
}
