package hostfw

import (
	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/platform"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Assert the host integration as a platform implementor.
var _ platform.Installer = (*Platform)(nil)

// Platform applies packages through the host firmware tool and reboots the
// device over logind so the new image takes effect.
type Platform struct {
	log    logging.Logger
	host   command
	reboot func() error
}

func New() (*Platform, error) {
	p := &Platform{
		log:  logging.New("platform"),
		host: &executable{},
	}
	p.reboot = p.logindReboot
	return p, nil
}

// InstallFirmware kicks the host install and schedules the reboot. The
// caller gets no synchronous outcome; the persisted install status is
// reconciled after the device comes back.
func (p *Platform) InstallFirmware() {
	go func() {
		p.log.Info("applying firmware package")
		if err := p.host.InstallImage(); err != nil {
			p.log.WithError(err).Error("firmware install failed")
			return
		}
		p.log.Info("rebooting to complete firmware install")
		if err := p.reboot(); err != nil {
			p.log.WithError(err).Error("reboot request failed")
		}
	}()
}

// StartInstall applies a software package to one component instance.
func (p *Platform) StartInstall(instanceID uint16) error {
	p.log.WithField("instance", instanceID).Info("applying software package")
	return p.host.StartComponent(instanceID)
}

// LastInstallResult reports the outcome of the most recent firmware install.
func (p *Platform) LastInstallResult() (platform.InstallResult, error) {
	ok, err := p.host.InstallStatus()
	if err != nil {
		return platform.InstallUnknown, errors.Wrap(err, "querying install status")
	}
	if ok {
		return platform.InstallSucceeded, nil
	}
	return platform.InstallFailed, nil
}

func (p *Platform) logindReboot() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "connecting to system bus")
	}
	obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	call := obj.Call("org.freedesktop.login1.Manager.Reboot", 0, false)
	return errors.Wrap(call.Err, "requesting reboot")
}
