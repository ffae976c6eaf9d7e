package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "sb dev") {
		t.Errorf("expected output to contain 'sb dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newVersionCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.Run(cmd, nil)

	expected := "sb 1.0.0 (commit: abc123, built: 2026-01-01)\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Switchboard") {
		t.Errorf("expected help output to contain 'Switchboard', got: %s", out)
	}
	for _, sub := range []string{"version", "serve", "db", "conversation", "send"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{})
	if code := execute(cmd); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestExecuteError(t *testing.T) {
	cmd := &cobra.Command{
		Use:           "failing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("intentional error")
		},
	}
	if code := execute(cmd); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestConfigFlagDefaults(t *testing.T) {
	cmds := map[string]*cobra.Command{
		"serve":                 newServeCmd(),
		"db migrate":            newDBMigrateCmd(),
		"conversation show":     newConversationShowCmd(),
		"conversation close":    newConversationCloseCmd(),
		"conversation bind":     newConversationBindCmd(),
		"conversation handback": newConversationHandBackCmd(),
		"send":                  newSendCmd(),
	}
	for name, cmd := range cmds {
		flag := cmd.Flags().Lookup("config")
		if flag == nil {
			t.Errorf("%s: expected --config flag", name)
			continue
		}
		if flag.DefValue != "switchboard.yaml" {
			t.Errorf("%s: --config default = %q, want switchboard.yaml", name, flag.DefValue)
		}
		if flag.Shorthand != "c" {
			t.Errorf("%s: --config shorthand = %q, want c", name, flag.Shorthand)
		}
	}
}

// --- Test helpers ---

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// writeSQLiteConfig writes a config pointing at a fresh sqlite file and
// returns its path.
func writeSQLiteConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := dir + "/switchboard.yaml"
	cfg := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s/sb.db\n%s", dir, extra)
	if err := writeTestFile(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
