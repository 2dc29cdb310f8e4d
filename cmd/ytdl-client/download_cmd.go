package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/fs"
	"github.com/emanuelef/yt-dl-client-go/internal/presenter"
	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

var (
	formatFlag string
	outputFlag string
)

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Submit a download, follow its progress and save the result",
	Long: "Submit a download, follow its progress and save the result.\n" +
		"Interrupting while the job is running asks the backend to cancel it.",
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&formatFlag, "format", "f", domain.FormatAuto, "output format: auto, mp4 or mp3")
	downloadCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "output directory (overrides OUTPUT_DIR)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	dir := a.cfg.OutputDir
	if outputFlag != "" {
		dir = outputFlag
	}
	writer, err := fs.NewWriter(dir, logger.Component(a.log, "fs"))
	if err != nil {
		return err
	}

	rec := presenter.NewRecorder()
	ctrl := a.newController(presenter.Multi{
		presenter.NewConsole(cmd.OutOrStdout()),
		presenter.NewLog(logger.Component(a.log, "presenter")),
		rec,
	})
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobID, err := ctrl.Submit(ctx, args[0], formatFlag)
	if err != nil {
		return err
	}

	outcome, err := rec.Wait(ctx, 0, isOutcome)
	if err != nil {
		stop()
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := ctrl.Cancel(cancelCtx, jobID); cerr != nil && !errors.Is(cerr, domain.ErrCancelRejected) {
			a.log.Warn("Cancel after interrupt failed", "job_id", jobID, "error", cerr)
		}
		return errors.New("interrupted")
	}

	switch outcome.Kind {
	case domain.KindArtifactReady:
		blob, _, err := ctrl.Artifact()
		if err != nil {
			return err
		}
		path, err := writer.Save(blob.Filename, blob.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", path, len(blob.Data))
		return nil
	case domain.KindArtifactError:
		return outcome.Err
	}

	if outcome.State == domain.StateCancelled {
		return errors.New("download cancelled")
	}
	return outcome.Err
}

// isOutcome matches the update that ends a CLI download.
func isOutcome(u domain.Update) bool {
	switch u.Kind {
	case domain.KindArtifactReady, domain.KindArtifactError:
		return true
	case domain.KindTransition:
		return u.State == domain.StateFailed || u.State == domain.StateCancelled
	}
	return false
}
