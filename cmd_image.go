package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"diskimager/codec"
	"diskimager/imaging"
)

var errCancelled = errors.New("cancelled")

// resolveFormat uses the explicit --format when given, else the image
// file's extension.
func resolveFormat(flag, path string) (codec.Format, error) {
	if flag != "" {
		return codec.ParseFormat(flag)
	}
	return codec.FormatFromPath(path), nil
}

func newWriteCmd(a *app) *cobra.Command {
	var (
		device, in, format string
		force              bool
	)
	cmd := &cobra.Command{
		Use:   "write --device <drive> --in <image>",
		Short: "Write an image file to a removable drive (destroys its contents)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("--force is required: every byte on %s will be overwritten", device)
			}
			f, err := resolveFormat(format, in)
			if err != nil {
				return err
			}
			s := session{Operation: "write", Device: device, Image: in}
			summary := []string{
				fmt.Sprintf("Image:  %s (%s)", in, f),
				fmt.Sprintf("Device: %s", device),
			}
			return a.runSession(cmd.Context(), s, "Writing image", summary, func(ctx context.Context, e *imaging.Engine) (imaging.Result, error) {
				return e.WriteImageToDrive(ctx, device, in, f)
			})
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "target drive (mount point, drive letter or device node)")
	cmd.Flags().StringVar(&in, "in", "", "source image file")
	cmd.Flags().StringVar(&format, "format", "", "image format: none, zip, gzip, targz, zstd, lz4 (default: from extension)")
	cmd.Flags().BoolVar(&force, "force", false, "confirm overwriting the drive")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	var (
		device, out, format string
		truncate            bool
	)
	cmd := &cobra.Command{
		Use:   "read --device <drive> --out <image>",
		Short: "Read a removable drive into an image file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := resolveFormat(format, out)
			if err != nil {
				return err
			}
			s := session{Operation: "read", Device: device, Image: out}
			summary := []string{
				fmt.Sprintf("Device: %s", device),
				fmt.Sprintf("Image:  %s (%s)", out, f),
			}
			if truncate {
				summary = append(summary, "Stopping at the end of the last partition")
			}
			return a.runSession(cmd.Context(), s, "Reading drive", summary, func(ctx context.Context, e *imaging.Engine) (imaging.Result, error) {
				return e.ReadDriveToImage(ctx, device, out, f, truncate)
			})
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "source drive (mount point, drive letter or device node)")
	cmd.Flags().StringVar(&out, "out", "", "image file to create (overwritten if present)")
	cmd.Flags().StringVar(&format, "format", "", "image format: none, zip, gzip, targz, zstd, lz4 (default: from extension)")
	cmd.Flags().BoolVar(&truncate, "truncate", false, "stop at the end of the last MBR partition")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

type runFunc func(ctx context.Context, e *imaging.Engine) (imaging.Result, error)

// runSession drives one engine session on its own goroutine while this one
// watches for Ctrl-C and for a stop request from the display.
func (a *app) runSession(ctx context.Context, s session, title string, summary []string, run runFunc) error {
	access, _, err := a.newAccess()
	if err != nil {
		return err
	}
	ec, err := a.cfg.Engine()
	if err != nil {
		return err
	}
	disp, err := a.newDisplay(a.cfg.UI, title, summary, a.stderr, a.log)
	if err != nil {
		return err
	}
	eng, err := imaging.New(access,
		imaging.WithFs(a.fs),
		imaging.WithLogger(a.log),
		imaging.WithObserver(disp),
		imaging.WithConfig(ec),
	)
	if err != nil {
		disp.Done()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// A stop from the display cancels this context, which the engine polls
	// from its first chunk on.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	select {
	case <-disp.Stop():
		cancel()
	default:
	}

	var (
		wg     conc.WaitGroup
		res    imaging.Result
		runErr error
		done   = make(chan struct{})
	)
	wg.Go(func() {
		defer close(done)
		res, runErr = run(ctx, eng)
	})
	wg.Go(func() {
		select {
		case <-disp.Stop():
			a.log.Info("stop requested from terminal UI")
			cancel()
		case <-done:
		}
	})
	wg.Wait()
	disp.Done()

	a.log.Info("session finished",
		"operation", s.Operation,
		"status", res.Status.String(),
		"bytes", res.Offset,
		"chunks", res.Chunks,
		"elapsed", res.Elapsed.Round(time.Millisecond))

	if a.cfg.Report != "" {
		if err := writeReport(a.fs, a.cfg.Report, s, res, runErr, time.Now()); err != nil {
			a.log.Error("session report", "err", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	if runErr != nil {
		return runErr
	}
	if res.Status == imaging.Cancelled {
		return fmt.Errorf("%s %s: %w", s.Operation, s.Device, errCancelled)
	}
	return nil
}
