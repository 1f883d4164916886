package messages

// Compatibility guidance shown next to a verdict.
const (
	VerdictAlreadyInstalled = "This printer is already running custom firmware. To reinstall, copy the " +
		"firmware bundle to the SD card and reinstall from the printer's own menu."
	VerdictNotUnlocked = "The printer is running the rootable firmware but has not been unlocked yet. " +
		"Unlock it from the printer's screen, then connect again."
	VerdictShellNotRunning = "The printer is unlocked but its SSH service is not running. Restart the " +
		"printer and try again."
	VerdictAlternateReady = "The printer is running the rootable firmware and is ready for installation."
	VerdictUnlockUnknown  = "The printer reports a rootable firmware version but its unlock status is " +
		"unknown. Restart the printer and connect again."
	VerdictEligibleNotInstalled = "Rootable firmware is available for this printer but is not installed. " +
		"Install it from the printer's firmware screen, then connect again."
	VerdictAlternateRequired = "This printer must be running the rootable firmware before custom " +
		"firmware can be installed. Update through the vendor's firmware tools first."
	VerdictLegacyCompatible = "This printer can be installed with the legacy method."
	VerdictLegacyDowngrade  = "This printer's firmware is too new for the legacy method. Downgrade the " +
		"firmware first."
)

// Connection and install failures.
const (
	ErrBadAccessCode     = "Incorrect access code. Check the code on the printer's network screen."
	ErrBadShellPassword  = "Incorrect SSH password. Check the password on the printer's screen."
	ErrNeedShellPassword = "Enter the SSH password shown on the printer's screen."
	ErrShellUnavailable  = "The printer's SSH service is not reachable. Enable it on the printer, restart " +
		"it, and try again."
	ErrConnectTimeout = "Timed out waiting for the printer. Check the address and that the printer is on."
	ErrSerialUnknown  = "Could not determine the printer's serial number."
	ErrRecovery       = "Recovery mode is not supported."
	ErrLegacyInstall  = "unsupported installation method"

	NotReadyNoVerdict    = "Printer compatibility has not been checked yet."
	NotReadyIncompatible = "Printer is not compatible with this installer."
	NotReadyNoStorage    = "Insert an SD card into the printer."
	NotReadyInconsistent = "The printer reports a firmware inconsistency. Resolve it from the " +
		"printer's firmware screen first."
	NotReadyNoShell        = "An SSH connection to the printer is required."
	NotReadyNotConnected   = "Not connected to a printer."
	StepFailedFmt          = "Step %d (%s) failed: %s"
	StatusUsePrinterScreen = "Use the printer's screen to finish installation."
)
