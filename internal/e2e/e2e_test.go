package e2e

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/SonHoang2/secure-chat-app/internal/client"
	"github.com/SonHoang2/secure-chat-app/internal/server"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := server.NewServer(context.Background(), server.Config{
		Port:               ":0",
		DataDir:            t.TempDir(),
		StorageType:        "local",
		RegistrationToken:  "secret-token",
		AccessTokenSecret:  "e2e-access",
		RefreshTokenSecret: "e2e-refresh",
		AccessTokenTTL:     time.Minute,
		RefreshTokenTTL:    time.Hour,
		LedgerBackend:      "bolt",
		LedgerSweep:        time.Minute,
		ChannelRecheck:     time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(func() {
		_ = srv.Hub.Close()
		ts.Close()
	})
	return ts
}

// runCmd runs the CLI against configFile and captures stdout.
func runCmd(t *testing.T, configFile string, args ...string) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	cmd := client.GetRootCmd()
	cmd.SetArgs(append(args, "--config", configFile))
	err := cmd.Execute()

	_ = w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return buf.String()
}

func expect(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("Expected %q in output, got:\n%s", want, output)
	}
}

func TestEndToEnd(t *testing.T) {
	ts := startServer(t)
	t.Setenv(client.PassphraseEnv, "e2e passphrase")

	dir := t.TempDir()
	configs := map[string]string{}
	for _, name := range []string{"alice", "bob", "carol"} {
		configs[name] = filepath.Join(dir, name, "config.json")
		expect(t, runCmd(t, configs[name], "config", "init", "--user", name, "--server", ts.URL), "Initialized user "+name)
		expect(t, runCmd(t, configs[name], "register", "--token", "secret-token"), "registered successfully")
		expect(t, runCmd(t, configs[name], "login"), "Logged in as "+name)
	}
	alice, bob, carol := configs["alice"], configs["bob"], configs["carol"]

	// A group the server knows about for all three.
	out := runCmd(t, alice, "conversations", "create", "--title", "team", "bob", "carol")
	expect(t, out, "with team")
	groupID := regexp.MustCompile(`Conversation (\S+) with`).FindStringSubmatch(out)
	if groupID == nil {
		t.Fatalf("No conversation id in output:\n%s", out)
	}
	expect(t, runCmd(t, bob, "conversations"), groupID[1]+"\tgroup\tteam")

	expect(t, runCmd(t, alice, "send", groupID[1], "hello", "team"), "Message sent successfully")
	expect(t, runCmd(t, bob, "send", groupID[1], "hi", "alice"), "Message sent successfully")

	// Every member decrypts its own copy.
	out = runCmd(t, carol, "history", groupID[1])
	expect(t, out, "alice: hello team (delivered)")
	expect(t, out, "bob: hi alice (delivered)")

	// Alice's own copy stays readable; the group is only as far as its
	// slowest member.
	out = runCmd(t, alice, "history", groupID[1])
	expect(t, out, "alice: hello team (sent)")

	// Private conversation by username.
	expect(t, runCmd(t, carol, "send", "@alice", "psst"), "Message sent successfully")
	expect(t, runCmd(t, alice, "history", "@carol"), "carol: psst (delivered)")
	expect(t, runCmd(t, carol, "history", "@alice"), "carol: psst (delivered)")

	// A replayed refresh token ends every session of its user.
	stolen, err := os.ReadFile(alice)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, runCmd(t, alice, "refresh"), "Session rotated")
	rotated, err := os.ReadFile(alice)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(alice, stolen, 0600); err != nil {
		t.Fatal(err)
	}
	expect(t, runCmd(t, alice, "refresh"), "Session compromised")

	if err := os.WriteFile(alice, rotated, 0600); err != nil {
		t.Fatal(err)
	}
	expect(t, runCmd(t, alice, "refresh"), "Refresh failed")

	// Logging in again starts over.
	expect(t, runCmd(t, alice, "login"), "Logged in as alice")
	expect(t, runCmd(t, alice, "refresh"), "Session rotated")
	expect(t, runCmd(t, bob, "refresh"), "Session rotated")
}
