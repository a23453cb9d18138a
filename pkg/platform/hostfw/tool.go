package hostfw

import (
	"bufio"
	"bytes"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/sirupsen/logrus"
)

// PlatformBin is where host update executables are located.
const PlatformBin = "/usr/bin"

var fwToolBin = filepath.Join(PlatformBin, "fwtool")

// command is the binding to the host's firmware tooling.
type command interface {
	InstallImage() error
	StartComponent(instanceID uint16) error
	InstallStatus() (bool, error)
}

type executable struct{}

func (e *executable) runOk(cmd *exec.Cmd) (bool, error) {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	cmd.Stdout = writer
	cmd.Stderr = writer

	if logging.Debuggable {
		logging.New("hostfw").WithFields(logrus.Fields{
			"cmd": cmd.String(),
		}).Debug("executing")
	}

	if err := cmd.Start(); err != nil {
		if logging.Debuggable {
			logging.New("hostfw").WithFields(logrus.Fields{
				"cmd":    cmd.String(),
				"output": buf.String(),
			}).WithError(err).Error("failed to start command")
		}
		return false, err
	}
	err := cmd.Wait()
	if err != nil {
		if logging.Debuggable {
			logging.New("hostfw").WithFields(logrus.Fields{
				"cmd":    cmd.String(),
				"output": buf.String(),
			}).WithError(err).Error("command errored during run")
		}
		return false, err
	}
	writer.Flush()
	return strings.TrimSpace(buf.String()) == "ok", nil
}

func (e *executable) InstallImage() error {
	_, err := e.runOk(exec.Command(fwToolBin, "install-image"))
	return err
}

func (e *executable) StartComponent(instanceID uint16) error {
	_, err := e.runOk(exec.Command(fwToolBin, "install-component", strconv.Itoa(int(instanceID))))
	return err
}

// InstallStatus asks the tool for the outcome of the last install attempt.
// The tool persists this across reboots; "ok" on stdout means success.
func (e *executable) InstallStatus() (bool, error) {
	return e.runOk(exec.Command(fwToolBin, "install-status"))
}
