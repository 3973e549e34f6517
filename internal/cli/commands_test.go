package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs a fresh root command and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	return executeCommand(context.Background(), cmd, args...)
}

func executeCommand(ctx context.Context, cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// decodeData parses a --format json response and returns its data.
func decodeData(t *testing.T, out string, into any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

// writeConfig writes a config for replica id into its own directory.
func writeConfig(t *testing.T, id, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "driftsync.yaml")
	body := fmt.Sprintf("replica: {id: %s}\nstorage: {path: %s.db}\ngc: {enabled: false}\n%s", id, id, extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "laptop.yaml")

	out, err := execute(t, "init", "--id", "laptop", "--db", "data/laptop.db", "-c", cfgPath, "--format", "json")
	require.NoError(t, err)

	var res InitResult
	decodeData(t, out, &res)
	assert.Equal(t, "laptop", res.Replica)
	assert.FileExists(t, filepath.Join(dir, "data", "laptop.db"))
	assert.FileExists(t, cfgPath)

	_, err = execute(t, "init", "-c", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInit_GeneratesID(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "driftsync.yaml")
	out, err := execute(t, "init", "-c", cfgPath, "--format", "json")
	require.NoError(t, err)

	var res InitResult
	decodeData(t, out, &res)
	assert.Len(t, res.Replica, 36)

	out, err = execute(t, "inspect", "-c", cfgPath, "--format", "json")
	require.NoError(t, err)
	var summary ReplicaSummary
	decodeData(t, out, &summary)
	assert.Equal(t, res.Replica, string(summary.Replica))
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "inspect", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMutateAndInspect(t *testing.T) {
	cfg := writeConfig(t, "A", "")

	_, err := execute(t, "mutate", "task", "t1", "title", "--value", `"Draft"`, "-c", cfg)
	require.NoError(t, err)
	_, err = execute(t, "mutate", "task", "t1", "tags", "--op", "add", "--value", `"urgent"`, "-c", cfg)
	require.NoError(t, err)
	out, err := execute(t, "mutate", "task", "t1", "checklist", "--op", "insert", "--index", "0", "--value", `"buy milk"`, "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "seq.insert task/t1.checklist as A:3")

	out, err = execute(t, "inspect", "t1", "--history", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var report struct {
		Entity struct {
			Type   string         `json:"type"`
			Fields map[string]any `json:"fields"`
		} `json:"entity"`
		History []json.RawMessage `json:"history"`
	}
	decodeData(t, out, &report)
	assert.Equal(t, "task", report.Entity.Type)
	assert.Equal(t, "Draft", report.Entity.Fields["title"])
	assert.Equal(t, []any{"urgent"}, report.Entity.Fields["tags"])
	assert.Equal(t, []any{"buy milk"}, report.Entity.Fields["checklist"])
	assert.Len(t, report.History, 3)

	out, err = execute(t, "inspect", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var summary ReplicaSummary
	decodeData(t, out, &summary)
	assert.Equal(t, 1, summary.Entities)
	assert.Equal(t, 3, summary.Operations)
	assert.Equal(t, uint64(3), summary.Vector["A"])
	assert.Len(t, summary.Digest, 64)

	out, err = execute(t, "inspect", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Replica A")
	assert.Contains(t, out, "A: 3")
}

func TestMutate_Rejects(t *testing.T) {
	cfg := writeConfig(t, "A", "")
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown op", []string{"task", "t1", "title", "--op", "frobnicate", "--value", "1"}, ExitCommandError},
		{"missing value", []string{"task", "t1", "title"}, ExitCommandError},
		{"float value", []string{"task", "t1", "title", "--value", "1.5"}, ExitCommandError},
		{"put without key", []string{"document", "d1", "attachments", "--op", "put", "--value", "1"}, ExitCommandError},
		{"delete with field", []string{"task", "t1", "title", "--op", "delete"}, ExitCommandError},
		{"field required", []string{"task", "t1", "--op", "add", "--value", "1"}, ExitCommandError},
		{"unknown type", []string{"invoice", "i1", "total", "--value", "10"}, ExitFailure},
		{"unknown field", []string{"task", "t1", "color", "--value", `"red"`}, ExitFailure},
		{"wrong field kind", []string{"task", "t1", "title", "--op", "add", "--value", "1"}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"mutate"}, tt.args...)
			_, err := execute(t, append(args, "-c", cfg)...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err), "%v", err)
		})
	}
}

func TestDeleteAndCollect(t *testing.T) {
	cfg := writeConfig(t, "A", "")

	_, err := execute(t, "mutate", "task", "t1", "title", "--value", `"gone soon"`, "-c", cfg)
	require.NoError(t, err)
	_, err = execute(t, "mutate", "task", "t1", "--op", "delete", "-c", cfg)
	require.NoError(t, err)

	// a fresh tombstone is kept
	out, err := execute(t, "gc", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var res GCResult
	decodeData(t, out, &res)
	assert.Equal(t, 1, res.Examined)
	assert.Empty(t, res.Collected)
	assert.Equal(t, 1, res.Blocked["retention"])

	time.Sleep(20 * time.Millisecond)
	out, err = execute(t, "gc", "--retention", "1ms", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	res = GCResult{}
	decodeData(t, out, &res)
	assert.Equal(t, []string{"t1"}, res.Collected)

	_, err = execute(t, "inspect", "t1", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collected")
}

func TestPair(t *testing.T) {
	cfg := writeConfig(t, "A", "")

	out, err := execute(t, "pair", "list", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No paired peers")

	_, err = execute(t, "pair", "add", "B", "tcp://10.0.0.2:7421", "-c", cfg)
	require.NoError(t, err)
	_, err = execute(t, "pair", "add", "C", "-c", cfg)
	require.NoError(t, err)

	out, err = execute(t, "pair", "list", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var peers []PeerView
	decodeData(t, out, &peers)
	require.Len(t, peers, 2)
	assert.Equal(t, "B", string(peers[0].ID))
	assert.Equal(t, "tcp://10.0.0.2:7421", peers[0].Addr)
	assert.Nil(t, peers[0].LastSync)

	_, err = execute(t, "pair", "remove", "B", "-c", cfg)
	require.NoError(t, err)
	out, err = execute(t, "pair", "list", "-c", cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "B\t")

	_, err = execute(t, "pair", "add", "A", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_UnknownPeer(t *testing.T) {
	cfg := writeConfig(t, "A", "")
	_, err := execute(t, "sync", "nobody", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "not paired")
}

func TestServeAndSync(t *testing.T) {
	server := writeConfig(t, "A", "sync: {transport: tcp, interval: 0s}\n")
	client := writeConfig(t, "B", "")

	_, err := execute(t, "mutate", "task", "t1", "title", "--value", `"from A"`, "-c", server)
	require.NoError(t, err)
	_, err = execute(t, "mutate", "tag", "g1", "name", "--value", `"from B"`, "-c", client)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	served := make(chan error, 1)
	go func() {
		_, err := executeCommand(ctx, newRootCommand(ready), "serve", "--listen", "127.0.0.1:0", "-c", server)
		served <- err
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-served:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not start")
	}
	assert.Regexp(t, `^tcp://127\.0\.0\.1:\d+$`, addr)

	out, err := execute(t, "sync", "A", "--addr", addr, "-c", client, "--format", "json")
	require.NoError(t, err)
	var res SyncResult
	decodeData(t, out, &res)
	assert.Equal(t, "A", string(res.Peer))
	assert.Equal(t, uint64(1), res.Sent)
	assert.Equal(t, uint64(1), res.Received)
	assert.True(t, res.Converged)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	digest := func(cfg string) string {
		out, err := execute(t, "inspect", "-c", cfg, "--format", "json")
		require.NoError(t, err)
		var s ReplicaSummary
		decodeData(t, out, &s)
		return s.Digest
	}
	assert.Equal(t, digest(server), digest(client))

	// the client remembers the server's vector
	out, err = execute(t, "pair", "list", "-c", client, "--format", "json")
	require.NoError(t, err)
	var peers []PeerView
	decodeData(t, out, &peers)
	require.Len(t, peers, 1)
	assert.Equal(t, uint64(1), peers[0].Vector["A"])
	assert.Equal(t, uint64(1), peers[0].Vector["B"])
	assert.NotNil(t, peers[0].LastSync)
}

func TestSyncURL(t *testing.T) {
	tcp := &fakeAddr{"127.0.0.1:7421"}
	assert.Equal(t, "tcp://127.0.0.1:7421", syncURL("tcp", tcp))
	assert.Equal(t, "ws://127.0.0.1:7421/sync", syncURL("ws", tcp))

	wild := syncURL("ws", &fakeAddr{"0.0.0.0:7420"})
	assert.NotContains(t, wild, "0.0.0.0")
	assert.Contains(t, wild, ":7420/sync")
}

type fakeAddr struct{ s string }

func (a *fakeAddr) Network() string { return "tcp" }
func (a *fakeAddr) String() string  { return a.s }
