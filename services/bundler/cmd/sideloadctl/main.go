package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sideloadd/services/bundler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sideloadctl",
		Short:         "Operator utility for the sideloadd release pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBundlesCommand())
	cmd.AddCommand(newReleasesCommand())
	cmd.AddCommand(newBackfillCommand())
	return cmd
}

// apiBase resolves the API address from the --api flag with SIDELOAD_API as
// fallback.
func apiBase(flagValue string) (string, error) {
	base := strings.TrimSpace(flagValue)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("SIDELOAD_API"))
	}
	if base == "" {
		return "", fmt.Errorf("API address required (--api or SIDELOAD_API)")
	}
	return strings.TrimRight(base, "/"), nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newBundlesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Signed APK bundle build and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand())
	cmd.AddCommand(newBundlesImportCommand())
	return cmd
}

func newBundlesBuildCommand() *cobra.Command {
	var (
		api    string
		tags   []string
		output string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Export completed releases into a signed bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(api)
			if err != nil {
				return err
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(cmdContext(cmd), bundler.BuildConfig{
				APIBaseURL: base,
				Tags:       tags,
				Output:     output,
				Signer:     signer,
				Stdout:     os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&api, "api", "", "Base URL of the sideloadd API")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Restrict the bundle to specific release tags (repeatable)")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesImportCommand() *cobra.Command {
	var (
		api        string
		bundleFile string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and load it into the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(api)
			if err != nil {
				return err
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Import(cmdContext(cmd), bundler.ImportConfig{
				BundlePath: bundleFile,
				APIBaseURL: base,
				Signer:     signer,
				Stdout:     os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&api, "api", "", "Base URL of the sideloadd API")
	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newReleasesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "Inspect and manage tracked releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newReleasesListCommand())
	cmd.AddCommand(newReleasesTriggerCommand())
	return cmd
}

func newReleasesListCommand() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(api)
			if err != nil {
				return err
			}

			var response struct {
				Releases []struct {
					ID      string `json:"id"`
					Tag     string `json:"tag"`
					Status  string `json:"status"`
					ApkName string `json:"apk_name"`
					ApkHash string `json:"apk_hash"`
					Error   string `json:"error"`
				} `json:"releases"`
			}
			if err := apiGet(cmdContext(cmd), base+"/v1/releases", &response); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tSTATUS\tAPK\tDIGEST\tID")
			for _, release := range response.Releases {
				digest := release.ApkHash
				if len(digest) > 12 {
					digest = digest[:12]
				}
				status := release.Status
				if release.Error != "" {
					status += " (" + release.Error + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					release.Tag, status, release.ApkName, digest, release.ID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&api, "api", "", "Base URL of the sideloadd API")
	return cmd
}

func newReleasesTriggerCommand() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "trigger <release-id>",
		Short: "Schedule a download for a release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(api)
			if err != nil {
				return err
			}
			var response struct {
				Release struct {
					Tag    string `json:"tag"`
					Status string `json:"status"`
				} `json:"release"`
			}
			url := fmt.Sprintf("%s/v1/releases/%s/download", base, args[0])
			if err := apiPost(cmdContext(cmd), url, nil, &response); err != nil {
				return err
			}
			fmt.Printf("scheduled download for %s (%s)\n", response.Release.Tag, response.Release.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&api, "api", "", "Base URL of the sideloadd API")
	return cmd
}

func newBackfillCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile the registry against repository history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBackfillRunCommand())
	return cmd
}

func newBackfillRunCommand() *cobra.Command {
	var (
		api         string
		maxReleases int
		download    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backfill pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase(api)
			if err != nil {
				return err
			}
			body := map[string]any{
				"max_releases":  maxReleases,
				"auto_download": download,
			}
			var response struct {
				Added    int `json:"added"`
				Skipped  int `json:"skipped"`
				Failed   int `json:"failed"`
				Outcomes []struct {
					Tag    string `json:"tag"`
					Action string `json:"action"`
					Reason string `json:"reason"`
				} `json:"outcomes"`
			}
			if err := apiPost(cmdContext(cmd), base+"/v1/backfill/run", body, &response); err != nil {
				return err
			}
			for _, outcome := range response.Outcomes {
				if outcome.Reason != "" {
					fmt.Printf("%s: %s (%s)\n", outcome.Tag, outcome.Action, outcome.Reason)
				} else {
					fmt.Printf("%s: %s\n", outcome.Tag, outcome.Action)
				}
			}
			fmt.Printf("%d added, %d skipped, %d failed\n", response.Added, response.Skipped, response.Failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&api, "api", "", "Base URL of the sideloadd API")
	cmd.Flags().IntVar(&maxReleases, "max-releases", 20, "Upper bound on upstream releases examined")
	cmd.Flags().BoolVar(&download, "download", false, "Trigger downloads for newly registered releases")
	return cmd
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

func apiGet(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(req, dest)
}

func apiPost(ctx context.Context, url string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return doJSON(req, dest)
}

func doJSON(req *http.Request, dest any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
