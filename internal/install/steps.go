package install

import (
	"context"
	"io/fs"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PrinterAgent/internal/device"
	"github.com/httprunner/PrinterAgent/internal/messages"
)

// Printer filesystem layout.
const (
	RemovableStorage = "/sdcard"
	ExecPartition    = "/userdata"
	SetupDir         = ExecPartition + "/x1plus-setup"
	SetupArchiveName = "setup.tgz"
	FirstStageMarker = "x1plus-firststage.json"
	BundleExt        = ".x1p"

	launcherScript = SetupDir + "/install.sh"
)

// Step labels and sequence names.
const (
	LabelLegacy    = "Install via legacy method"
	LabelCopy      = "Copy setup files"
	LabelUnpack    = "Unpack installer"
	LabelLaunch    = "Start on-printer installer"
	LabelOnPrinter = "Run on-printer installation"

	SequenceShell  = "shell"
	SequenceLegacy = "legacy"
)

const (
	keepAwakeCmd    = "nohup sh -c 'while true; do iw dev wlan0 set power_save off; sleep 30; done' >/dev/null 2>&1 &"
	remountExecCmd  = "mount -o remount,exec " + ExecPartition
	markerPath      = RemovableStorage + "/" + FirstStageMarker
	setupRemotePath = RemovableStorage + "/" + SetupArchiveName
)

// ShellSequence is the install path used when the printer runs the
// alternate firmware and a shell is available.
func ShellSequence() Sequence {
	return Sequence{Name: SequenceShell, Steps: []Step{
		{Label: LabelCopy, Run: copySetupFiles},
		{Label: LabelUnpack, Run: unpackInstaller},
		{Label: LabelLaunch, Run: startInstaller},
		{Label: LabelOnPrinter, Run: runOnPrinter},
	}}
}

// LegacySequence is declared so callers can select it, and always fails at
// its first step.
func LegacySequence() Sequence {
	return Sequence{Name: SequenceLegacy, Steps: []Step{
		{Label: LabelLegacy, Run: func(context.Context, *StepContext) error { return ErrUnsupported }},
		{Label: LabelOnPrinter, Run: runOnPrinter},
	}}
}

// run executes command and turns a non-zero exit into a StepFailure.
func run(ctx context.Context, dev Device, what, command string) (device.ExecResult, error) {
	res, err := dev.ExecRemote(ctx, command)
	if err != nil {
		return res, errors.Wrap(err, what)
	}
	if res.ExitCode != 0 {
		return res, exitFailure(what, command, res.ExitCode, res.Stderr, res.Stdout)
	}
	return res, nil
}

// removeIfExists removes remotePath; a missing file is not an error.
func removeIfExists(ctx context.Context, dev Device, remotePath string) error {
	err := dev.RemoveRemoteFile(ctx, remotePath)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func copySetupFiles(ctx context.Context, sc *StepContext) error {
	dev := sc.Device
	if sc.Options.KeepAwake {
		if _, err := run(ctx, dev, "disable wifi power saving", keepAwakeCmd); err != nil {
			return err
		}
	}

	names, err := dev.ListRemoteFiles(ctx, RemovableStorage)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasSuffix(name, BundleExt) && name != SetupArchiveName {
			continue
		}
		if err := removeIfExists(ctx, dev, path.Join(RemovableStorage, name)); err != nil {
			return err
		}
	}
	if err := removeIfExists(ctx, dev, markerPath); err != nil {
		return err
	}

	sc.SetStatus("Uploading " + sc.Bundle.FileName())
	if err := dev.UploadFile(ctx, sc.Bundle.Path, path.Join(RemovableStorage, sc.Bundle.FileName())); err != nil {
		return err
	}
	sc.SetStatus("Uploading " + SetupArchiveName)
	return dev.UploadFile(ctx, sc.Bundle.SetupPath, setupRemotePath)
}

func unpackInstaller(ctx context.Context, sc *StepContext) error {
	dev := sc.Device
	if _, err := run(ctx, dev, "remount "+ExecPartition, remountExecCmd); err != nil {
		return err
	}
	extract := "rm -rf " + SetupDir + " && mkdir -p " + SetupDir + " && tar -xzf " + setupRemotePath + " -C " + SetupDir
	if _, err := run(ctx, dev, "extract "+SetupArchiveName, extract); err != nil {
		return err
	}
	if err := removeIfExists(ctx, dev, setupRemotePath); err != nil {
		log.Warn().Err(err).Str("path", setupRemotePath).Msg("leave setup archive on printer")
	}
	return nil
}

func startInstaller(ctx context.Context, sc *StepContext) error {
	dev := sc.Device
	launch := "sh " + launcherScript + " " + path.Join(RemovableStorage, sc.Bundle.FileName())
	if _, err := run(ctx, dev, "start installer", launch); err != nil {
		return err
	}

	sc.SetStatus("Waiting for the installer to start")
	err := Poll(ctx, sc.Options.PollInterval, func(ctx context.Context) (bool, error) {
		names, err := dev.ListRemoteFiles(ctx, RemovableStorage)
		if err != nil {
			log.Warn().Err(err).Str("dir", RemovableStorage).Msg("list for first-stage marker failed, retrying")
			return false, nil
		}
		for _, name := range names {
			if name == FirstStageMarker {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return errors.Wrap(err, "wait for first-stage marker")
	}

	data, err := dev.DownloadRemoteFileToMemory(ctx, markerPath)
	if err != nil {
		return err
	}
	sc.SetResult(string(data))
	return removeIfExists(ctx, dev, markerPath)
}

func runOnPrinter(ctx context.Context, sc *StepContext) error {
	sc.SetStatus(messages.StatusUsePrinterScreen)
	var failure error
	err := sc.Device.WatchInstallProgress(ctx, func(p device.InstallProgress) bool {
		if p.Failed {
			failure = &StepFailure{Message: p.Failure}
			return true
		}
		if p.Status != "" {
			sc.SetStatus(p.Status)
		}
		return p.Done
	})
	if err != nil {
		return err
	}
	return failure
}
