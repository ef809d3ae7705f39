package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show evalpulse version information",
	Long: `Display version, build time, commit hash and platform of the evalpulse binary.
With --check, also query the backend version and test it against backend.version_constraint.`,
	RunE: runVersion,
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
	VersionCmd.Flags().Bool("check", false, "Check backend compatibility")
}

type versionReport struct {
	version.Info
	Backend     string `json:"backend_version,omitempty"`
	Compatible  *bool  `json:"backend_compatible,omitempty"`
	CheckFailed string `json:"backend_error,omitempty"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	check, _ := cmd.Flags().GetBool("check")

	report := versionReport{Info: version.Get()}
	var checkErr error
	if check {
		report.Backend, checkErr = backendCompatibility(cmd.Context())
		ok := checkErr == nil
		report.Compatible = &ok
		if checkErr != nil {
			report.CheckFailed = checkErr.Error()
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format version info")
		}
		fmt.Fprintln(out, string(data))
	} else {
		fmt.Fprintln(out, report.Info.String())
		fmt.Fprintf(out, "Platform: %s\n", report.Platform)
		fmt.Fprintf(out, "Go: %s\n", report.GoVersion)
		if check && checkErr == nil {
			pterm.Success.Printfln("Backend %s is compatible", report.Backend)
		}
	}
	return checkErr
}

func backendCompatibility(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	client, err := newClient(cfg)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.CheckCompatibility(ctx)
}
