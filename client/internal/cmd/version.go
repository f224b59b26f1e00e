package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// buildInfo describes the running binary.
type buildInfo struct {
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	Modified bool   `json:"modified,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

func readBuildInfo() buildInfo {
	bi := buildInfo{
		Version:  version,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			bi.Commit = s.Value
		case "vcs.modified":
			bi.Modified = s.Value == "true"
		}
	}
	return bi
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bi := readBuildInfo()
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(bi)
			}

			_, _ = fmt.Fprintln(out, "deskline", bi.Version)
			if bi.Commit != "" {
				commit := bi.Commit
				if len(commit) > 12 {
					commit = commit[:12]
				}
				if bi.Modified {
					commit += "-dirty"
				}
				_, _ = fmt.Fprintf(out, "  commit:   %s\n", commit)
			}
			_, _ = fmt.Fprintf(out, "  go:       %s\n", bi.Go)
			_, _ = fmt.Fprintf(out, "  platform: %s\n", bi.Platform)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print build details as JSON")
	return cmd
}
