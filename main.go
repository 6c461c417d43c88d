// diskimager copies raw images to and from removable drives.
//
// Images may be plain or compressed (zip, gzip, tar.gz, zstd, lz4). Reads
// can stop at the end of the last partition in the MBR instead of
// imaging the whole device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"diskimager/config"
	"diskimager/drive"
)

// app carries what every command needs once flags and config are resolved.
type app struct {
	fs     afero.Fs
	v      *viper.Viper
	stderr io.Writer

	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
	logFile io.Closer

	// newAccess and newDisplay are swapped in tests.
	newAccess  func() (drive.Access, drive.Lister, error)
	newDisplay func(kind, title string, summary []string, out io.Writer, log *slog.Logger) (display, error)
}

func newApp(fs afero.Fs) *app {
	a := &app{fs: fs, v: config.New(fs), stderr: os.Stderr, log: slog.Default()}
	a.newAccess = a.defaultAccess
	a.newDisplay = newDisplay
	return a
}

// flag name -> config key
var boundFlags = map[string]string{
	"buffer-size":       "buffer_size",
	"compression-level": "compression_level",
	"lock-retries":      "lock_retries",
	"ui":                "ui",
	"report":            "report",
	"device-file":       "device_file",
	"device-size":       "device_size",
	"log-file":          "log.file",
	"log-level":         "log.level",
	"log-format":        "log.format",
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "diskimager",
		Short:         "Removable drive imaging utility",
		Long:          "Write disk images to removable drives and read drives back into (optionally compressed) images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML config file")
	pf.String("buffer-size", "1M", "transfer chunk size, a multiple of 512 (e.g. 64K, 1M)")
	pf.Int("compression-level", 3, "compression level 0-9 for compressed images")
	pf.Uint("lock-retries", 2, "extra attempts when the volume is busy")
	pf.String("ui", "plain", "progress display: plain, tui or quiet")
	pf.String("report", "", "write a JSON session report to this file")
	pf.String("device-file", "", "use a regular file as a simulated drive")
	pf.String("device-size", "0", "capacity of the simulated drive (created if missing)")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-format", "text", "text or json")
	for name, key := range boundFlags {
		must(a.v.BindPFlag(key, pf.Lookup(name)))
	}

	root.AddCommand(newWriteCmd(a), newReadCmd(a), newDeviceCmd(a))
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	out := a.stderr
	if cfg.UI == "tui" && cfg.Log.File == "" {
		// stderr belongs to the full-screen view.
		out = io.Discard
	}
	log, closer, err := newLogger(cfg, out)
	if err != nil {
		return err
	}
	a.log, a.logFile = log, closer
	slog.SetDefault(log)
	return nil
}

func (a *app) teardown() error {
	if a.logFile == nil {
		return nil
	}
	err := a.logFile.Close()
	a.logFile = nil
	return err
}

// defaultAccess picks the native drive layer, or the file-backed one when
// --device-file is set.
func (a *app) defaultAccess() (drive.Access, drive.Lister, error) {
	if a.cfg.DeviceFile == "" {
		n := drive.NewNative(a.log)
		return n, n, nil
	}
	size, err := config.ParseSize(a.cfg.DeviceSize)
	if err != nil {
		return nil, nil, err
	}
	exists, err := afero.Exists(a.fs, a.cfg.DeviceFile)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		if size <= 0 {
			return nil, nil, fmt.Errorf("device file %s does not exist; set --device-size to create it", a.cfg.DeviceFile)
		}
		if err := drive.CreateFileDevice(a.fs, a.cfg.DeviceFile, size); err != nil {
			return nil, nil, err
		}
		a.log.Info("created device file", "path", a.cfg.DeviceFile, "size", size)
	}
	fa := drive.NewFileAccess(a.fs, a.cfg.DeviceFile, size)
	return fa, fa, nil
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		code := 2
		if errors.Is(err, errCancelled) {
			code = 130
		}
		os.Exit(code)
	}
}

func human(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%dM", b/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%dK", b/(1<<10))
	}
	return fmt.Sprintf("%dB", b)
}

func main() {
	a := newApp(afero.NewOsFs())
	err := newRootCmd(a).ExecuteContext(context.Background())
	if cerr := a.teardown(); err == nil {
		err = cerr
	}
	must(err)
}
