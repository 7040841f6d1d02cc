package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
)

func TestStreamParserSplitAcrossChunks(t *testing.T) {
	p := newStreamParser(logger.Nop())

	full := outputStartMarker + `{"status":"success","result":"hi","newSessionId":"s1"}` + outputEndMarker
	mid := len(full) / 2

	if outs := p.feed("noise before\n" + full[:mid]); len(outs) != 0 {
		t.Fatalf("partial frame produced output: %v", outs)
	}
	outs := p.feed(full[mid:] + "\nnoise after")
	if len(outs) != 1 {
		t.Fatalf("outputs = %v", outs)
	}
	if outs[0].Result != "hi" || outs[0].NewSessionID != "s1" {
		t.Errorf("parsed = %+v", outs[0])
	}
}

func TestStreamParserMultiplePairsAndMalformed(t *testing.T) {
	p := newStreamParser(logger.Nop())

	chunk := outputStartMarker + `{"result":"one"}` + outputEndMarker +
		outputStartMarker + `not json` + outputEndMarker +
		outputStartMarker + `{"result":"two"}` + outputEndMarker
	outs := p.feed(chunk)
	if len(outs) != 2 {
		t.Fatalf("outputs = %v", outs)
	}
	if outs[0].Result != "one" || outs[1].Result != "two" {
		t.Errorf("parsed = %v", outs)
	}
	// Status defaults to success when the agent omits it.
	if outs[0].Status != "success" {
		t.Errorf("status = %q", outs[0].Status)
	}
}

func TestParseFinalOutput(t *testing.T) {
	out := parseFinalOutput("log line\n" + outputStartMarker + `{"status":"success","result":"r"}` + outputEndMarker + "\ntrailer")
	if out.Status != "success" || out.Result != "r" {
		t.Errorf("marker parse = %+v", out)
	}

	// A run that emitted intermediate frames: the last pair wins.
	out = parseFinalOutput(outputStartMarker + `{"result":"progress"}` + outputEndMarker + "\n" +
		outputStartMarker + `{"status":"success","result":"done"}` + outputEndMarker)
	if out.Result != "done" {
		t.Errorf("multi-pair parse = %+v", out)
	}

	// A truncated trailing start marker does not shadow the completed pair.
	out = parseFinalOutput(outputStartMarker + `{"result":"done"}` + outputEndMarker + "\n" + outputStartMarker + `{"resu`)
	if out.Result != "done" {
		t.Errorf("truncated-tail parse = %+v", out)
	}

	// Older agent images print bare JSON as the last line.
	out = parseFinalOutput("starting\n" + `{"status":"error","error":"boom"}`)
	if out.Status != "error" || out.Error != "boom" {
		t.Errorf("legacy parse = %+v", out)
	}

	out = parseFinalOutput("no json here")
	if out.Status != "error" || !strings.Contains(out.Error, "parse") {
		t.Errorf("garbage parse = %+v", out)
	}
}

func TestLimitedBufferTruncation(t *testing.T) {
	b := limitedBuffer{limit: 10}
	if b.write([]byte("12345")) {
		t.Error("under-limit write reported truncation")
	}
	if !b.write([]byte("6789012345")) {
		t.Error("overflow write did not report truncation")
	}
	if b.String() != "1234567890" {
		t.Errorf("buffer = %q", b.String())
	}
	// Already truncated: later writes are dropped silently.
	if b.write([]byte("more")) {
		t.Error("second overflow reported again")
	}
	if b.len() != 10 {
		t.Errorf("len = %d", b.len())
	}
}

func TestEffectiveTimeout(t *testing.T) {
	r := New(Config{Timeout: time.Hour, IdleTimeout: 30 * time.Minute}, nil, logger.Nop())

	if got := r.effectiveTimeout(&model.RegisteredRepo{}); got != time.Hour {
		t.Errorf("default = %v", got)
	}
	// A per-repo override below the idle floor is raised to it.
	repo := &model.RegisteredRepo{Container: model.ContainerConfig{TimeoutMs: 1000}}
	if got := r.effectiveTimeout(repo); got != 30*time.Minute+idleGrace {
		t.Errorf("floored = %v", got)
	}
	repo.Container.TimeoutMs = (2 * time.Hour).Milliseconds()
	if got := r.effectiveTimeout(repo); got != 2*time.Hour {
		t.Errorf("override = %v", got)
	}
}

func TestContainerArgsHardening(t *testing.T) {
	r := New(Config{Image: "agent:latest", Timezone: "UTC"}, nil, logger.Nop())
	args := r.containerArgs([]Mount{
		{HostPath: "/h/rw", ContainerPath: "/workspace/group"},
		{HostPath: "/h/ro", ContainerPath: "/workspace/global", ReadOnly: true},
	}, "clawcode-g-1")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--cap-drop=ALL",
		"--cap-add=SYS_ADMIN",
		"--security-opt=no-new-privileges",
		"--pids-limit=512",
		"--add-host=metadata.google.internal:0.0.0.0",
		"--add-host=169.254.169.254:0.0.0.0",
		"/h/rw:/workspace/group",
		"/h/ro:/workspace/global:ro",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "agent:latest" {
		t.Errorf("image not last: %v", args)
	}
}

func newTestRunner(t *testing.T, bin string) *Runner {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		RuntimeBin:    bin,
		Image:         "agent:latest",
		ProjectRoot:   filepath.Join(base, "root"),
		GroupsDir:     filepath.Join(base, "groups"),
		DataDir:       filepath.Join(base, "data"),
		EnvFilePath:   filepath.Join(base, "root", ".env"),
		Timezone:      "UTC",
		Timeout:       time.Minute,
		MaxOutputSize: 1 << 20,
	}
	if err := os.MkdirAll(cfg.ProjectRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.EnvFilePath, []byte("CLAUDE_CODE_OAUTH_TOKEN=tok-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	v := NewMountValidator(filepath.Join(base, "allowlist.json"), logger.Nop())
	return New(cfg, v, logger.Nop())
}

func TestBuildMountsLayout(t *testing.T) {
	r := newTestRunner(t, DefaultRuntimeBin)
	repo := &model.RegisteredRepo{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}

	byContainerPath := func(mounts []Mount) map[string]Mount {
		m := map[string]Mount{}
		for _, mt := range mounts {
			m[mt.ContainerPath] = mt
		}
		return m
	}

	mounts, err := r.buildMounts(repo, false, "/checkout/octocat--hello")
	if err != nil {
		t.Fatalf("buildMounts: %v", err)
	}
	got := byContainerPath(mounts)
	if got["/workspace/repo"].HostPath != "/checkout/octocat--hello" || got["/workspace/repo"].ReadOnly {
		t.Errorf("repo mount = %+v", got["/workspace/repo"])
	}
	if _, ok := got["/workspace/group"]; !ok {
		t.Error("group mount missing")
	}
	if _, ok := got["/workspace/groups"]; ok {
		t.Error("non-main run mounted the groups registry")
	}
	if _, ok := got["/home/node/.claude"]; !ok {
		t.Error("sessions mount missing")
	}
	if _, ok := got["/workspace/ipc"]; !ok {
		t.Error("ipc mount missing")
	}

	// Sessions dir materializes default settings.
	settings := filepath.Join(r.cfg.DataDir, "sessions", repo.Folder, ".claude", "settings.json")
	if _, err := os.Stat(settings); err != nil {
		t.Errorf("settings.json missing: %v", err)
	}
	// IPC namespace gets its three subdirectories.
	for _, sub := range []string{"messages", "tasks", "input"} {
		if _, err := os.Stat(filepath.Join(r.cfg.DataDir, "ipc", repo.Folder, sub)); err != nil {
			t.Errorf("ipc subdir %s missing: %v", sub, err)
		}
	}

	main := &model.RegisteredRepo{Prefix: "gh:octocat/hq", Name: "octocat/hq", Folder: model.MainFolder}
	mounts, err = r.buildMounts(main, true, "")
	if err != nil {
		t.Fatalf("buildMounts main: %v", err)
	}
	got = byContainerPath(mounts)
	if got["/workspace/groups"].ReadOnly {
		t.Error("main groups mount should be writable")
	}
	if _, ok := got["/workspace/data"]; !ok {
		t.Error("main data mount missing")
	}
	if _, ok := got["/workspace/repo"]; ok {
		t.Error("repo mount present without a checkout")
	}
}

// fakeRuntime writes a shell script standing in for the container runtime.
// It copies stdin to a capture file and plays back the given stdout.
func fakeRuntime(t *testing.T, stdinCapture, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fake runtime")
	}
	path := filepath.Join(t.TempDir(), "fake-docker")
	body := fmt.Sprintf("#!/bin/sh\ncat > %q\n%s\n", stdinCapture, script)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunStreamsOutputs(t *testing.T) {
	stdinFile := filepath.Join(t.TempDir(), "stdin.json")
	frame := outputStartMarker + `{"status":"success","result":"done","newSessionId":"sess-9"}` + outputEndMarker
	bin := fakeRuntime(t, stdinFile, fmt.Sprintf("printf '%%s\\n' 'log noise' %q", frame))
	r := newTestRunner(t, bin)

	repo := &model.RegisteredRepo{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}
	var (
		processName string
		streamed    []Output
	)
	out, err := r.Run(context.Background(), repo, Input{
		Prompt:      "do the thing",
		GroupFolder: repo.Folder,
		ChatTID:     "gh:octocat/hello#issue:1",
		Secrets:     map[string]string{"GITHUB_TOKEN": "ghs_abc"},
	}, func(name string) { processName = name }, func(o Output) { streamed = append(streamed, o) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.HasPrefix(processName, "clawcode-octocat--hello-") {
		t.Errorf("container name = %q", processName)
	}
	if len(streamed) != 1 || streamed[0].Result != "done" {
		t.Fatalf("streamed = %v", streamed)
	}
	if out.Status != "success" || out.NewSessionID != "sess-9" {
		t.Errorf("final = %+v", out)
	}

	// The stdin payload carries dotfile secrets merged with per-run tokens.
	raw, err := os.ReadFile(stdinFile)
	if err != nil {
		t.Fatal(err)
	}
	var payload stdinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("stdin payload: %v", err)
	}
	if payload.Prompt != "do the thing" || payload.ChatJID != "gh:octocat/hello#issue:1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Secrets["CLAUDE_CODE_OAUTH_TOKEN"] != "tok-1" || payload.Secrets["GITHUB_TOKEN"] != "ghs_abc" {
		t.Errorf("secrets = %v", payload.Secrets)
	}
}

func TestRunLegacyParse(t *testing.T) {
	stdinFile := filepath.Join(t.TempDir(), "stdin.json")
	bin := fakeRuntime(t, stdinFile, `printf '%s\n' 'booting' '{"status":"success","result":"legacy"}'`)
	r := newTestRunner(t, bin)

	repo := &model.RegisteredRepo{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}
	out, err := r.Run(context.Background(), repo, Input{GroupFolder: repo.Folder}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "success" || out.Result != "legacy" {
		t.Errorf("final = %+v", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	stdinFile := filepath.Join(t.TempDir(), "stdin.json")
	bin := fakeRuntime(t, stdinFile, "echo 'agent crashed' >&2\nexit 3")
	r := newTestRunner(t, bin)

	repo := &model.RegisteredRepo{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}
	out, err := r.Run(context.Background(), repo, Input{GroupFolder: repo.Folder}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "error" {
		t.Fatalf("final = %+v", out)
	}
	if !strings.Contains(out.Error, "code 3") || !strings.Contains(out.Error, "agent crashed") {
		t.Errorf("error = %q", out.Error)
	}
}
