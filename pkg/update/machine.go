package update

import (
	"sync"
	"time"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/edgeworks/avc-agent/pkg/platform"
	"github.com/edgeworks/avc-agent/pkg/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultInstallDelay gives the acknowledgement time to reach the server
// before the install side effect may take the modem down.
const DefaultInstallDelay = 2 * time.Second

// Downloader launches and cancels package downloads on the machine's behalf.
type Downloader interface {
	// Start begins (resume=false) or continues (resume=true) a download.
	Start(uri string, t lwm2m.PackageType, resume bool) error
	// Cancel aborts any in-flight download of the given class.
	Cancel(t lwm2m.PackageType)
}

// Machine is the per-device update state machine. The firmware and software
// records progress independently through IDLE → DOWNLOADING → DOWNLOADED →
// UPDATING; every transition is persisted before control returns, because
// the device may lose power right after acknowledging the server write that
// caused it.
type Machine struct {
	log          logging.Logger
	store        *store.Store
	installer    platform.Installer
	installDelay time.Duration

	mu      sync.Mutex
	dl      Downloader
	fwTimer *time.Timer
}

func New(log logging.Logger, st *store.Store, installer platform.Installer, installDelay time.Duration) (*Machine, error) {
	switch {
	case st == nil:
		return nil, errors.New("record store is nil")
	case installer == nil:
		return nil, errors.New("installer is nil")
	}
	if installDelay <= 0 {
		installDelay = DefaultInstallDelay
	}
	return &Machine{
		log:          log,
		store:        st,
		installer:    installer,
		installDelay: installDelay,
	}, nil
}

// SetDownloader binds the download engine. Wired after construction because
// the engine reports outcomes back into this machine.
func (m *Machine) SetDownloader(d Downloader) {
	m.mu.Lock()
	m.dl = d
	m.mu.Unlock()
}

// State reads the persisted update state for the class. An absent or corrupt
// record reads as idle, never as an error.
func (m *Machine) State(t lwm2m.PackageType) (State, error) {
	if !t.Known() {
		return StateIdle, errors.Wrapf(lwm2m.ErrInvalidArg, "package type %d", int(t))
	}
	return State(m.store.ReadUint32(stateRecord(t), uint32(StateIdle))), nil
}

// Result reads the persisted update result for the class, defaulting to the
// class's initial value.
func (m *Machine) Result(t lwm2m.PackageType) (Result, error) {
	if !t.Known() {
		return ResultDefaultNormal, errors.Wrapf(lwm2m.ErrInvalidArg, "package type %d", int(t))
	}
	return Result(m.store.ReadUint32(resultRecord(t), uint32(DefaultResult(t)))), nil
}

// SetPackageURI handles a server write to the package URI resource. An empty
// URI is an abort request: any active download for the class is cancelled
// and the record resets, successfully even when nothing was active. A
// non-empty URI resets the result to the class default before the download
// starts, so a crash mid-download is observably not-yet-succeeded. While the
// class is downloading or updating a new URI is rejected busy.
func (m *Machine) SetPackageURI(t lwm2m.PackageType, instanceID uint16, uri string) error {
	if !t.Known() {
		return errors.Wrapf(lwm2m.ErrInvalidArg, "package type %d", int(t))
	}

	if uri == "" {
		return m.abort(t)
	}
	if len(uri) > lwm2m.PackageURIMaxLen {
		return errors.Wrapf(lwm2m.ErrInvalidArg, "package uri length %d", len(uri))
	}

	// The persisted state serializes updates: while a download or install is
	// in flight its record and resume descriptor must not be overwritten.
	// The server aborts with an empty URI first.
	switch State(m.store.ReadUint32(stateRecord(t), uint32(StateIdle))) {
	case StateDownloading, StateUpdating:
		return errors.Wrapf(lwm2m.ErrBusy, "%s update in flight", t)
	}

	m.mu.Lock()
	dl := m.dl
	m.mu.Unlock()
	if dl == nil {
		return errors.Wrap(lwm2m.ErrGeneral, "no download engine bound")
	}

	if err := m.persist(t, StateDownloading, DefaultResult(t)); err != nil {
		return err
	}
	if err := m.store.WriteResume(&store.ResumeDescriptor{URI: uri, Type: t}); err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "persisting resume descriptor")
	}

	m.log.WithFields(logrus.Fields{
		"type": t.String(),
		"uri":  uri,
	}).Info("starting package download")
	if err := dl.Start(uri, t, false); err != nil {
		m.log.WithError(err).Error("download engine refused the package")
		if rerr := m.finalize(t, StateIdle, DefaultResult(t)); rerr != nil {
			return rerr
		}
		return errors.Wrap(lwm2m.ErrGeneral, "starting download")
	}
	return nil
}

func (m *Machine) abort(t lwm2m.PackageType) error {
	m.mu.Lock()
	dl := m.dl
	if t == lwm2m.PackageFirmware && m.fwTimer != nil {
		m.fwTimer.Stop()
		m.fwTimer = nil
	}
	m.mu.Unlock()

	if dl != nil {
		dl.Cancel(t)
	}
	m.log.WithField("type", t.String()).Info("package download aborted")
	return m.finalize(t, StateIdle, DefaultResult(t))
}

// LaunchUpdate triggers the install of a downloaded package. For firmware
// the install is deferred behind a short single-instance timer so the
// acknowledgement reaches the server before the install can take the modem
// down; the state only moves to UPDATING when the timer fires. Software
// installs are delegated per component instance immediately.
func (m *Machine) LaunchUpdate(t lwm2m.PackageType, instanceID uint16) error {
	switch t {
	case lwm2m.PackageFirmware:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.fwTimer != nil {
			return errors.Wrap(lwm2m.ErrBusy, "firmware install already scheduled")
		}
		m.log.WithField("delay", m.installDelay).Info("deferring firmware install")
		m.fwTimer = time.AfterFunc(m.installDelay, m.fireFirmwareInstall)
		return nil

	case lwm2m.PackageSoftware:
		if err := m.installer.StartInstall(instanceID); err != nil {
			m.log.WithError(err).WithField("instance", instanceID).Error("software install failed")
			if perr := m.finalize(t, StateIdle, ResultInstallFailure); perr != nil {
				return perr
			}
			return errors.Wrap(lwm2m.ErrGeneral, "starting software install")
		}
		return m.persist(t, StateUpdating, ResultInitial)
	}
	return errors.Wrapf(lwm2m.ErrInvalidArg, "package type %d", int(t))
}

func (m *Machine) fireFirmwareInstall() {
	m.mu.Lock()
	m.fwTimer = nil
	m.mu.Unlock()

	if err := m.persist(lwm2m.PackageFirmware, StateUpdating, ResultDefaultNormal); err != nil {
		m.log.WithError(err).Error("could not persist updating state")
		return
	}
	m.installer.InstallFirmware()
}

// ResumePackageDownload re-hydrates a download interrupted by a restart. A
// resume only happens from the exact (DOWNLOADING, default-result) record
// pair; every other combination has no safe resume point and is left alone.
// A DOWNLOADING record without a usable descriptor is a corrupted resume
// point: the record resets to (IDLE, default) and the corruption is
// reported, not silently ignored.
func (m *Machine) ResumePackageDownload() error {
	for _, t := range []lwm2m.PackageType{lwm2m.PackageFirmware, lwm2m.PackageSoftware} {
		st := State(m.store.ReadUint32(stateRecord(t), uint32(StateIdle)))
		res := Result(m.store.ReadUint32(resultRecord(t), uint32(DefaultResult(t))))
		if st != StateDownloading || res != DefaultResult(t) {
			continue
		}

		desc, found, err := m.store.ReadResume()
		if err != nil || !found || desc.URI == "" || !desc.Type.Known() || desc.Type != t {
			m.log.WithField("type", t.String()).Error("downloading record without a usable resume descriptor")
			// Fail closed: left in place, the record would re-fail every
			// boot until a server pushed a new URI.
			if ferr := m.finalize(t, StateIdle, DefaultResult(t)); ferr != nil {
				return ferr
			}
			return errors.Wrap(lwm2m.ErrGeneral, "corrupted resume record")
		}

		m.mu.Lock()
		dl := m.dl
		m.mu.Unlock()
		if dl == nil {
			return errors.Wrap(lwm2m.ErrGeneral, "no download engine bound")
		}
		m.log.WithFields(logrus.Fields{
			"type":   t.String(),
			"uri":    desc.URI,
			"offset": desc.Offset,
		}).Info("resuming package download")
		if err := dl.Start(desc.URI, t, true); err != nil {
			return errors.Wrap(lwm2m.ErrGeneral, "resuming download")
		}
	}
	return nil
}

// FirmwareInstallResult reconciles an install attempt that may have spanned
// a reboot. It only acts on the exact (UPDATING, default-result) pair: the
// platform's last install outcome is queried, the state returns to idle, and
// the result records success or install failure.
func (m *Machine) FirmwareInstallResult() error {
	t := lwm2m.PackageFirmware
	st := State(m.store.ReadUint32(stateRecord(t), uint32(StateIdle)))
	res := Result(m.store.ReadUint32(resultRecord(t), uint32(ResultDefaultNormal)))
	if st != StateUpdating || res != ResultDefaultNormal {
		return nil
	}

	outcome, err := m.installer.LastInstallResult()
	if err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "querying install outcome")
	}
	final := ResultInstallFailure
	if outcome == platform.InstallSucceeded {
		final = ResultSuccess
	}
	m.log.WithField("result", final.String()).Info("reconciled firmware install outcome")
	return m.finalize(t, StateIdle, final)
}

// DownloadComplete records a fully downloaded and verified package.
func (m *Machine) DownloadComplete(t lwm2m.PackageType) {
	if err := m.finalize(t, StateDownloaded, DefaultResult(t)); err != nil {
		m.log.WithError(err).Error("could not persist downloaded state")
	}
}

// DownloadFailed records a failed download with its class result code.
func (m *Machine) DownloadFailed(t lwm2m.PackageType, res Result) {
	if err := m.finalize(t, StateIdle, res); err != nil {
		m.log.WithError(err).Error("could not persist failed download")
	}
}

// HandlePackageEvent consumes engine package events for this machine's
// classes. Download outcomes are authoritative through the download engine's
// own callbacks; engine-side download events are informational here.
func (m *Machine) HandlePackageEvent(ev lwm2m.Event) {
	log := m.log.WithField("event", ev.String())
	switch ev.Kind {
	case lwm2m.EventDownloadProgress:
		log.WithField("bytes", ev.Progress).Debug("download progress")
	case lwm2m.EventDownloadFinished, lwm2m.EventDownloadFailed, lwm2m.EventUpdateStarted:
		log.Debug("package event")
	case lwm2m.EventUpdateFinished:
		if err := m.finalize(ev.Package, StateIdle, ResultSuccess); err != nil {
			log.WithError(err).Error("could not persist update result")
		}
	case lwm2m.EventUpdateFailed:
		if err := m.finalize(ev.Package, StateIdle, ResultInstallFailure); err != nil {
			log.WithError(err).Error("could not persist update result")
		}
	default:
		log.Debug("ignoring package event")
	}
}

// persist writes the record pair. State and result always travel together so
// readers never observe a half-written transition.
func (m *Machine) persist(t lwm2m.PackageType, st State, res Result) error {
	if err := m.store.WriteUint32(resultRecord(t), uint32(res)); err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "persisting update result")
	}
	if err := m.store.WriteUint32(stateRecord(t), uint32(st)); err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "persisting update state")
	}
	return nil
}

// finalize persists a terminal record pair and drops the resume descriptor,
// which is only meaningful mid-download.
func (m *Machine) finalize(t lwm2m.PackageType, st State, res Result) error {
	if err := m.persist(t, st, res); err != nil {
		return err
	}
	if err := m.store.ClearResume(); err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "clearing resume descriptor")
	}
	return nil
}
