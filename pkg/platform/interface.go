package platform

// InstallResult is the platform's account of the last firmware install
// attempt, queried after the fact because the install itself may take the
// device down.
type InstallResult int

const (
	InstallUnknown InstallResult = iota
	InstallSucceeded
	InstallFailed
)

func (r InstallResult) String() string {
	switch r {
	case InstallSucceeded:
		return "succeeded"
	case InstallFailed:
		return "failed"
	}
	return "unknown"
}

// Installer is implemented by the host integration that applies downloaded
// packages.
type Installer interface {
	// InstallFirmware applies the downloaded firmware package. Long-running
	// and possibly reboot-inducing; no synchronous outcome is reported.
	// Success or failure is learned later through LastInstallResult.
	InstallFirmware()
	// StartInstall applies the downloaded software package to the given
	// component instance.
	StartInstall(instanceID uint16) error
	// LastInstallResult reports the outcome of the most recent firmware
	// install attempt, surviving a reboot of this process.
	LastInstallResult() (InstallResult, error)
}
