package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and fresh flag values and
// returns what was written to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIWithInput(t, "", args...)
}

func runCLIWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()

	cfgFile, logLevel = "", ""
	toolsOutput, toolsDomain, toolsCategory, toolsQuery = outputTable, "", "", ""
	execParamsJSON, execParams, execApprove = "", nil, "prompt"
	execTimeout, execBypassCache, execOutput = 0, false, outputTable
	approvalsOutput, configForce = outputTable, false
	stopTimeout, stopForce = 30*time.Second, false
	pluginsOutput = outputTable

	cmd := GetRootCmd()
	resetFlags(cmd)
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(input))

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default.
// cobra keeps parsed values, including --help and --version, on the shared
// command tree between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			if slice, ok := f.Value.(pflag.SliceValue); ok {
				_ = slice.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeTestConfig writes a JSON config that keeps all state under a temp dir.
func writeTestConfig(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()

	dir := t.TempDir()
	cfg := map[string]interface{}{"data_dir": dir}
	for k, v := range overrides {
		cfg[k] = v
	}

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "toolhub.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := runCLI(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "toolhub version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := runCLI(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "toolhub")
		assert.Contains(t, out, "safety layer")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "status", "stop", "tools", "exec", "config", "approvals", "plugins"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfigAppliesLogLevel(t *testing.T) {
	cfgFile = writeTestConfig(t, nil)
	logLevel = "debug"
	t.Cleanup(func() { cfgFile, logLevel = "", "" })

	cfg, loader, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, cfgFile, loader.GetConfigPath())
}

func TestRunCLIResetsFlagsBetweenRuns(t *testing.T) {
	path := writeTestConfig(t, nil)

	out, err := runCLI(t, "status", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")

	out, err = runCLI(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "toolhub version")

	out, err = runCLI(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")
	assert.NotContains(t, out, "Usage:")
	assert.NotContains(t, out, "version")
}
