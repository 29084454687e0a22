package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobbroker/internal/config"
	"jobbroker/internal/job"
)

func newTestGrid(runner CommandRunner) *GridScheduler {
	s := NewGridScheduler(
		config.GridSchedulerConfig{StorageElement: "SE-01"},
		config.GridFilesystemConfig{LFNRoot: "/vo/jobs", StorageElement: "SE-01"},
	)
	s.runner = runner
	return s
}

func TestGridSubmitWritesWrapperAndJDL(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"dirac-wms-job-submit": {stdout: "JobID = 1234\n"},
	}}
	s := newTestGrid(runner)
	defer s.Close()

	// The orchestrator hands grid schedulers the remote LFN directory as
	// JobDir and the service-host directory as LocalDir; wrapper and JDL
	// must land in the latter.
	localDir := t.TempDir()
	jobName := filepath.Base(localDir)
	remoteDir := "/vo/jobs/" + jobName

	id, err := s.Submit(context.Background(), Description{
		JobDir:   remoteDir,
		LocalDir: localDir,
		Command:  "wc README.md",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "1234" {
		t.Errorf("id = %q", id)
	}

	script, err := os.ReadFile(filepath.Join(localDir, "job.sh"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"dirac-dms-get-file /vo/jobs/" + jobName + "/input.tar.gz",
		"tar xzf input.tar.gz",
		"(cd input && wc README.md)",
		"echo -n $? > returncode",
		"tar czf output.tar.gz",
		"dirac-dms-add-file /vo/jobs/" + jobName + "/output.tar.gz output.tar.gz SE-01",
	} {
		if !strings.Contains(string(script), want) {
			t.Errorf("job.sh missing %q:\n%s", want, script)
		}
	}

	jdl, err := os.ReadFile(filepath.Join(localDir, "job.jdl"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`Executable = "job.sh";`,
		`JobName = "` + jobName + `";`,
		`OutputSandbox = {"stdout.txt","stderr.txt","returncode"};`,
	} {
		if !strings.Contains(string(jdl), want) {
			t.Errorf("job.jdl missing %q:\n%s", want, jdl)
		}
	}
	// The sandbox ships the wrapper from the service host.
	if !strings.Contains(string(jdl), filepath.Join(localDir, "job.sh")) {
		t.Errorf("input sandbox should reference the local wrapper:\n%s", jdl)
	}
	// User output files travel via the storage element, not the sandbox.
	if strings.Contains(string(jdl), "output.tar.gz") {
		t.Error("output archive must not be in the output sandbox")
	}
	// The submitted JDL path is the local one.
	if got := runner.calls[0].args[0]; got != filepath.Join(localDir, "job.jdl") {
		t.Errorf("submitted jdl path = %q", got)
	}
}

func TestGridStateMapping(t *testing.T) {
	tests := []struct {
		dirac string
		want  job.State
	}{
		{"Waiting", job.StateQueued},
		{"Staging", job.StateQueued},
		{"Matched", job.StateQueued},
		{"Running", job.StateRunning},
		{"Done", job.StateOK},
		{"Failed", job.StateError},
		{"Killed", job.StateError},
		{"Stalled", job.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.dirac, func(t *testing.T) {
			runner := &fakeRunner{responses: map[string]fakeResponse{
				"dirac-wms-job-status": {stdout: "JobID=1234 Status=" + tt.dirac + "; Site=ANY;\n"},
			}}
			s := newTestGrid(runner)
			defer s.Close()

			st, err := s.State(context.Background(), "1234")
			if err != nil {
				t.Fatal(err)
			}
			if st != tt.want {
				t.Errorf("state = %s, want %s", st, tt.want)
			}
		})
	}
}

func TestGridProxyEnvInjection(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"env": {stdout: "JobID=1 Status=Done;\n"},
	}}
	s := NewGridScheduler(
		config.GridSchedulerConfig{StorageElement: "SE-01", Proxy: "/tmp/x509up_u1000"},
		config.GridFilesystemConfig{LFNRoot: "/vo/jobs"},
	)
	s.runner = runner
	defer s.Close()

	if _, err := s.State(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	call := runner.calls[0]
	if call.cmd != "env" {
		t.Fatalf("cmd = %q, want env", call.cmd)
	}
	if call.args[0] != "X509_USER_PROXY=/tmp/x509up_u1000" {
		t.Errorf("args = %v", call.args)
	}
	if call.args[1] != "dirac-wms-job-status" {
		t.Errorf("args = %v", call.args)
	}
}
