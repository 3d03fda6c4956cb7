// Package watchercli wires the watcher into a command line interface.
package watchercli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/0xbrayo/aw-watcher-input/pkg/watcher"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "activitywatch", "aw-watcher-input"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type watcherProvider func() *watcher.Watcher

func NewRootCmd(configDir string) *cobra.Command {
	cfg := watcher.Config{
		DataDir:    filepath.Join(configDir, "data"),
		ConfigFile: filepath.Join(configDir, "config.yml"),
		Host:       "localhost",
		Port:       5600,
	}
	rootCmd := &cobra.Command{
		Use:   "aw-watcher-input",
		Short: "ActivityWatch input watcher",
		Long:  `aw-watcher-input counts keyboard, mouse button, pointer and scroll activity and reports it to an ActivityWatch server as periodic heartbeats. Only counts leave the machine, never key codes or pointer positions.`,
	}
	var w *watcher.Watcher
	watcherProvider := func() *watcher.Watcher {
		return w
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "config file")
	rootCmd.PersistentFlags().StringVar(&cfg.Host, "host", cfg.Host, "ActivityWatch server hostname")
	rootCmd.PersistentFlags().IntVar(&cfg.Port, "port", cfg.Port, "ActivityWatch server port")
	rootCmd.PersistentFlags().BoolVar(&cfg.Testing, "testing", cfg.Testing, "use the testing bucket")
	rootCmd.PersistentFlags().IntVar(&cfg.PollTime, "poll-time", cfg.PollTime, "override the polling interval from config (in seconds)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		w, err = watcher.New(cfg)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if w == nil {
			return nil
		}
		return w.Close()
	}
	rootCmd.AddCommand(NewRun(watcherProvider))
	rootCmd.AddCommand(NewListDevices(watcherProvider))
	return rootCmd
}

func NewRun(watcher watcherProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the input watcher",
		Long:  `Run the input watcher until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watcher().Run(cmd.Context())
		},
	}
}

func NewListDevices(watcher watcherProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List input devices",
		Long:  `List the input devices the watcher can observe, merged with the registry of previously seen devices.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := watcher().Capture().ListInputDevices()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}
