package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runWithArgs executes cmd with the given args and environment, restoring
// both afterwards.
func runWithArgs(t *testing.T, cmd *cobra.Command, args []string, env map[string]string) error {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cmd.SetArgs(args)
	return RunWithTrace(context.Background(), cmd)
}

func TestSetupEnv(t *testing.T) {
	cases := []struct {
		args     []string
		env      map[string]string
		expected string
	}{
		{nil, nil, ""},
		{[]string{"--foobar", "bang!"}, nil, "bang!"},
		// make sure reset is good
		{nil, nil, ""},
		// test both variants of the prefix
		{nil, map[string]string{"DEMO_FOOBAR": "good"}, "good"},
		{nil, map[string]string{"DEMOFOOBAR": "silly"}, "silly"},
		// and that cli overrides env...
		{[]string{"--foobar", "important"},
			map[string]string{"DEMO_FOOBAR": "ignored"}, "important"},
	}

	for idx, tc := range cases {
		t.Run(fmt.Sprint(idx), func(t *testing.T) {
			viper.Reset()

			var foo string
			demo := &cobra.Command{
				Use: "demo",
				RunE: func(cmd *cobra.Command, args []string) error {
					foo = viper.GetString("foobar")
					return nil
				},
			}
			demo.Flags().String("foobar", "", "Some test value from config")
			cmd := PrepareBaseCmd(demo, "DEMO", t.TempDir())

			require.NoError(t, runWithArgs(t, cmd, tc.args, tc.env))
			assert.Equal(t, tc.expected, foo)
		})
	}
}

func TestSetupConfig(t *testing.T) {
	// we pre-create two config files we can refer to in the rest of
	// the test cases.
	cval1 := "fubble"
	conf1 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(conf1, "config.toml"),
		[]byte(fmt.Sprintf("boo = %q\n", cval1)), 0600))

	cval2 := "grumble"
	conf2 := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(conf2, "config"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(conf2, "config", "config.toml"),
		[]byte(fmt.Sprintf("boo = %q\n", cval2)), 0600))

	cases := []struct {
		args     []string
		env      map[string]string
		expected string
	}{
		{nil, nil, ""},
		// setting on the command line
		{[]string{"--boo", "haha"}, nil, "haha"},
		{[]string{"--home", conf1}, nil, cval1},
		{nil, map[string]string{"RD_HOME": conf2}, cval2},
		{[]string{"--boo", "override", "--home", conf1}, nil, "override"},
	}

	for idx, tc := range cases {
		t.Run(fmt.Sprint(idx), func(t *testing.T) {
			viper.Reset()

			var foo string
			boo := &cobra.Command{
				Use: "reader",
				RunE: func(cmd *cobra.Command, args []string) error {
					foo = viper.GetString("boo")
					return nil
				},
			}
			boo.Flags().String("boo", "", "Some test value from config")
			cmd := PrepareBaseCmd(boo, "RD", t.TempDir())

			require.NoError(t, runWithArgs(t, cmd, tc.args, tc.env))
			assert.Equal(t, tc.expected, foo)
		})
	}
}

func TestRunWithTraceReturnsError(t *testing.T) {
	viper.Reset()

	failing := &cobra.Command{
		Use: "fail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("boom")
		},
	}
	cmd := PrepareBaseCmd(failing, "FAIL", t.TempDir())

	err := runWithArgs(t, cmd, []string{"--trace"}, nil)
	require.EqualError(t, err, "boom")
}
