package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivankudzin/attachvault/internal/client/apiclient"
	"github.com/ivankudzin/attachvault/internal/client/uploader"
	"github.com/ivankudzin/attachvault/internal/infra/logger"
)

type globalFlags struct {
	apiURL   string
	token    string
	timeout  time.Duration
	logLevel string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "uploadctl",
		Short:         "Upload and inspect attachments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.apiURL, "api", envOr("ATTACHVAULT_API", "http://localhost:8080"), "attachments API base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("AUTH_TOKEN"), "bearer token")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "per-request timeout for API calls")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level")

	root.AddCommand(newUploadCommand(flags), newListCommand(flags))
	return root
}

func newUploadCommand(flags *globalFlags) *cobra.Command {
	var (
		parentID    int64
		concurrency int
		partSize    int64
		threshold   int64
		maxBytes    int64
		allowed     []string
	)

	cmd := &cobra.Command{
		Use:   "upload --parent ID FILE...",
		Short: "Upload files to a parent record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(flags.logLevel, "console")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			client, err := apiclient.NewClient(flags.apiURL, flags.token, flags.timeout)
			if err != nil {
				return err
			}

			files, err := localFiles(args)
			if err != nil {
				return err
			}

			out := cmd.ErrOrStderr()
			printer := newProgressPrinter(out)
			orchestrator := uploader.New(client, uploader.Options{
				ParentID:           parentID,
				AllowedMimeTypes:   allowed,
				MaxFileBytes:       maxBytes,
				Concurrency:        concurrency,
				MultipartThreshold: threshold,
				PartSize:           partSize,
				OnProgress:         printer.print,
				Logger:             log,
			})

			report := orchestrator.Run(cmd.Context(), files)
			printer.finish()
			printReport(cmd.OutOrStdout(), report)

			if failed := report.Count(uploader.StatusFailed) + report.Count(uploader.StatusRejected); failed > 0 {
				return fmt.Errorf("%d of %d files were not uploaded", failed, len(report.Files))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent record id")
	cmd.Flags().IntVar(&concurrency, "concurrency", 3, "files uploaded at once")
	cmd.Flags().Int64Var(&partSize, "part-size", uploader.DefaultPartSize, "multipart part size in bytes")
	cmd.Flags().Int64Var(&threshold, "multipart-threshold", uploader.DefaultMultipartThreshold, "size at which multipart is used")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 1<<30, "largest file accepted")
	cmd.Flags().StringSliceVar(&allowed, "allow", []string{"application/pdf", "image/jpeg", "image/png", "image/webp", "image/gif"}, "allowed mime types")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

func newListCommand(flags *globalFlags) *cobra.Command {
	var parentID int64
	cmd := &cobra.Command{
		Use:   "list --parent ID",
		Short: "List attachments of a parent record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := apiclient.NewClient(flags.apiURL, flags.token, flags.timeout)
			if err != nil {
				return err
			}
			items, err := client.List(cmd.Context(), parentID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tTYPE\tBACKEND\tTHUMBNAIL")
			for _, item := range items {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n", item.ID, item.OriginalName, item.SizeBytes, item.MimeType, item.StorageBackend, item.Thumbnail.State)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent record id")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

func localFiles(paths []string) ([]uploader.File, error) {
	files := make([]uploader.File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		p := path
		files = append(files, uploader.File{
			Name: filepath.Base(path),
			Size: info.Size(),
			Open: func() (uploader.Source, error) {
				return os.Open(p)
			},
		})
	}
	return files, nil
}

type progressPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last time.Time
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) print(progress uploader.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.last) < 200*time.Millisecond {
		return
	}
	p.last = time.Now()

	eta := "--"
	if progress.ETA > 0 {
		eta = progress.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(p.out, "\r%5.1f%%  %s/s  eta %s  active %d   ",
		progress.Percent, humanBytes(int64(progress.BytesPerSecond)), eta, progress.ActiveFiles)
}

func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.last.IsZero() {
		fmt.Fprintln(p.out)
	}
}

func printReport(out io.Writer, report uploader.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tSTRATEGY\tDETAIL")
	for _, res := range report.Files {
		detail := ""
		switch {
		case res.Attachment != nil:
			detail = fmt.Sprintf("id=%d thumbnail=%s", res.Attachment.ID, res.Attachment.Thumbnail.State)
		case errors.Is(res.Err, uploader.ErrCanceled):
			detail = "canceled"
		case res.Err != nil:
			detail = res.Err.Error()
			if res.Retryable {
				detail += " (retryable)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Name, res.Status, res.Strategy, detail)
	}
	_ = tw.Flush()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
