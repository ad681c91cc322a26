package commands

import (
	"errors"
	"net/url"

	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/spf13/cobra"
)

func newFetchCommand(a *app) *cobra.Command {
	var (
		dir         string
		checksums   []string
		overwrite   bool
		concurrency int
		retries     int
	)

	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Download files from signed URLs",
		Long: `Download files from pre-signed URLs into --dir. No credentials are sent.

Each --checksum (algorithm:hex, e.g. md5:9e10...) applies to the URL at the
same position; give none or one per URL.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(checksums) != 0 && len(checksums) != len(args) {
				return usageErrorf("got %d checksums for %d URLs", len(checksums), len(args))
			}
			if concurrency < 1 {
				return usageErrorf("--concurrency must be >= 1 (got %d)", concurrency)
			}

			tasks := make([]download.Task, len(args))
			for i, u := range args {
				tasks[i] = download.Task{URL: u, Dir: dir}
				if len(checksums) > 0 {
					sum, err := download.ParseChecksum(checksums[i])
					if err != nil {
						return &UsageError{Err: err}
					}
					tasks[i].Checksum = sum
				}
			}

			scfg := download.DefaultStreamerConfig()
			scfg.RetryMax = max(retries, 0)
			if backoff := a.v.GetDuration("retry_max_backoff"); backoff > 0 && backoff < scfg.RetryWaitMax {
				scfg.RetryWaitMax = backoff
				scfg.RetryWaitMin = min(scfg.RetryWaitMin, backoff)
			}

			opts := download.DefaultOptions()
			opts.MaxConcurrency = concurrency
			opts.Overwrite = overwrite
			opts.CreateDirs = true
			opts.OnProgress = newProgress(cmd.ErrOrStderr())

			m, err := download.New(download.NewHTTPStreamer(scfg), opts)
			if err != nil {
				return &UsageError{Err: err}
			}

			outcomes := m.DownloadMany(cmd.Context(), tasks)
			if err := a.printer(cmd).outcomes(outcomes); err != nil {
				return err
			}

			var errs []error
			for _, out := range outcomes {
				if out.Err != nil {
					errs = append(errs, out.Err)
				}
			}
			if len(errs) > 0 {
				return errors.Join(errs...)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "destination directory")
	cmd.Flags().StringArrayVar(&checksums, "checksum", nil, "expected checksum per URL as algorithm:hex")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "files downloaded at once")
	cmd.Flags().IntVar(&retries, "retries", 4, "retries per file on server errors")

	return cmd
}

// redactURL drops the query, which carries the signature of signed URLs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
