// Package core implements ClientCore, the single top-level structure
// spec.md §9 describes: it exclusively owns the transport session,
// channel, ratchet engine, KT state, trust store, and device-sync state,
// colocated behind component-level locks so a caller can drive the whole
// client through one struct the way the teacher's Client wires its
// session pool, store, and proxies behind one struct in New.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/channel"
	"github.com/mi-e2ee/client/config"
	"github.com/mi-e2ee/client/crypto/vault"
	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/errors"
	"github.com/mi-e2ee/client/identity"
	"github.com/mi-e2ee/client/kt"
	"github.com/mi-e2ee/client/platform"
	"github.com/mi-e2ee/client/ratchet"
	"github.com/mi-e2ee/client/scheduler"
	"github.com/mi-e2ee/client/storage"
	"github.com/mi-e2ee/client/transport"
	"github.com/mi-e2ee/client/trust"
)

var log = logging.MustGetLogger("mi-e2ee/core")

// stateDirName matches spec.md §6's "<data>/e2ee_state/" persisted-state
// layout.
const stateDirName = "e2ee_state"

// ClientCore is the process-lifetime owner of every stateful component a
// logged-in session needs. All exported methods are safe for concurrent
// use; each component's own lock (documented on the component) serializes
// access to it, the same "per-component mutex" model spec.md §5 requires.
type ClientCore struct {
	cfg     *config.Config
	dataDir string
	clock   *platform.Clock

	identity *identity.Manager
	trust    *trust.Store
	kt       *kt.State
	store    *storage.Store

	deviceID       [16]byte
	deviceSyncMu   sync.Mutex
	deviceSync     *devicesync.State
	deviceSyncPath string

	transport *transport.Cache
	params    transport.Params

	sessionMu sync.Mutex // guards username/channel, the "session token and channel key" pair
	username  string
	channel   *channel.Channel

	peers  *peerSessions
	groups *groupState

	ratchetEngine ratchet.Engine

	sched *scheduler.PriorityScheduler

	inbox      chan InboundEvent
	syncEvents chan devicesync.Event

	lastErrMu sync.Mutex
	lastErr   string
}

// inboxCapacity bounds how many decoded-but-undelivered InboundEvents
// Poll will buffer before it starts dropping newly arrived ones; a UI
// that stalls should lose events, not back-pressure the poll loop into
// blocking forever.
const inboxCapacity = 256

// schedulerReminderInterval is how often the scheduler re-checks the
// identity and device-sync rotation triggers on its own, so a quiet
// conversation (no sends) still rotates on rotation_days/
// rotate_interval_sec wall-clock schedule rather than only lazily at the
// next send.
const schedulerReminderInterval = time.Hour

// scheduledTask tags a PriorityScheduler entry with which periodic
// reminder check fired.
type scheduledTask string

const (
	taskIdentityRotationCheck scheduledTask = "identity-rotation-check"
	taskDeviceSyncRotateCheck scheduledTask = "device-sync-rotate-check"
)

// New constructs a ClientCore from cfg, loading or initializing every
// persisted component under dataDir/e2ee_state. passphrase unlocks (or
// seeds, on first run) the identity vault.
func New(cfg *config.Config, dataDir, passphrase string) (*ClientCore, error) {
	stateDir := filepath.Join(dataDir, stateDirName)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, errors.Wrap(errors.KindConfig, "New", fmt.Errorf("create state dir: %w", err))
	}

	clock := platform.NewClock()
	now := clock.Now()

	c := &ClientCore{
		cfg:            cfg,
		dataDir:        dataDir,
		clock:          clock,
		deviceSyncPath: filepath.Join(stateDir, "device_sync_key.bin"),
		ratchetEngine:  ratchet.NewEngine("mi_e2ee_peer_ratchet"),
	}

	var err error
	c.store, err = storage.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, errors.Wrap(errors.KindState, "New", err)
	}

	c.trust, err = trust.Load(filepath.Join(stateDir, "trust", "store.json"), cfg.TrustMode())
	if err != nil {
		return nil, errors.Wrap(errors.KindTrust, "New", err)
	}

	rootPubkey, err := cfg.KTRootPubkey()
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "New", err)
	}
	c.kt, err = kt.Load(filepath.Join(stateDir, "kt_state.bin"), cfg.KT.RequireSignature, rootPubkey, cfg.KT.GossipAlertThreshold)
	if err != nil {
		return nil, errors.Wrap(errors.KindKT, "New", err)
	}

	v, err := vault.New("identity", passphrase, filepath.Join(stateDir, "identity.vault"), "", nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindCrypto, "New", err)
	}
	c.identity, err = identity.New(v, cfg.IdentityRotationPolicy(), now)
	if err != nil {
		return nil, errors.Wrap(errors.KindCrypto, "New", err)
	}

	c.deviceID, err = storage.LoadDeviceID(filepath.Join(stateDir, "device_id.bin"))
	if err != nil {
		return nil, errors.Wrap(errors.KindState, "New", err)
	}

	if err := c.initDeviceSync(now); err != nil {
		return nil, err
	}

	// The TLS stream itself consults c.trust per-connect via
	// CheckServerFingerprint; Params carries no pin, just the verify mode.
	c.params = cfg.TransportParams([32]byte{})
	c.transport = transport.NewCache(c.trust)

	c.peers = newPeerSessions(c.store, c.ratchetEngine)
	c.groups = newGroupState(c.store)
	c.inbox = make(chan InboundEvent, inboxCapacity)
	c.syncEvents = make(chan devicesync.Event, inboxCapacity)

	c.sched = scheduler.New(c.handleScheduled, "core")
	c.sched.Add(schedulerReminderInterval, taskIdentityRotationCheck)
	c.sched.Add(schedulerReminderInterval, taskDeviceSyncRotateCheck)

	log.Infof("core: initialized, device_id=%s", storage.DeviceIDHex(c.deviceID))
	return c, nil
}

// initDeviceSync loads a previously persisted device-sync key/snapshot,
// if any, and builds the State; device-sync stays nil until a key is
// provisioned by pairing, and while it is nil pushSyncEvent sends nothing
// and handleIncomingDeviceSync returns a "not paired" error.
func (c *ClientCore) initDeviceSync(now time.Time) error {
	policy := c.cfg.DeviceSyncPolicy(c.cfg.DeviceSync.Role == "primary")
	if !policy.Enabled {
		return nil
	}
	key, ok, err := storage.LoadDeviceSyncKey(c.deviceSyncPath)
	if err != nil {
		return errors.Wrap(errors.KindDeviceSync, "New", err)
	}
	if !ok {
		log.Warning("core: device sync enabled but no key provisioned yet; pair a device to enable it")
		return nil
	}
	if snap, found, err := c.store.LoadDeviceSyncSnapshot(); err != nil {
		return errors.Wrap(errors.KindDeviceSync, "New", err)
	} else if found {
		c.deviceSync = devicesync.RestoreFromSnapshot(policy, snap)
		return nil
	}
	c.deviceSync = devicesync.New(policy, key, now)
	return nil
}

// DeviceID returns this device's 16-byte identifier.
func (c *ClientCore) DeviceID() [16]byte { return c.deviceID }

// Identity returns the identity manager, for callers that need the
// current signing/DH keys (e.g. to publish a prekey bundle).
func (c *ClientCore) Identity() *identity.Manager { return c.identity }

// Trust returns the trust store, for SAS confirmation flows.
func (c *ClientCore) Trust() *trust.Store { return c.trust }

// LastError returns the last error reported to the UI layer, matching
// spec.md §6's "update a last_error string for UI display" exit surface.
func (c *ClientCore) LastError() string {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

func (c *ClientCore) setLastError(err error) error {
	if err == nil {
		return nil
	}
	c.lastErrMu.Lock()
	c.lastErr = err.Error()
	c.lastErrMu.Unlock()
	return err
}

// handleScheduled is the PriorityScheduler's task handler. Both tasks it
// knows about are periodic rotation reminders — a backstop for
// rotation_days/rotate_interval_sec firing on wall-clock schedule even
// during a quiet stretch with no outbound send to hang the lazy check
// off of — so each re-arms itself for another schedulerReminderInterval
// once it runs.
func (c *ClientCore) handleScheduled(task interface{}) {
	t, ok := task.(scheduledTask)
	if !ok {
		log.Warningf("core: scheduled task of unexpected type: %T", task)
		return
	}
	switch t {
	case taskIdentityRotationCheck:
		if err := c.maybeRotateIdentity(); err != nil {
			log.Warningf("core: scheduled identity rotation check failed: %v", err)
		}
	case taskDeviceSyncRotateCheck:
		if st := c.syncState(); st != nil {
			c.rotateDeviceSyncIfDue(st)
		}
	default:
		log.Warningf("core: unknown scheduled task: %q", t)
		return
	}
	c.sched.Add(schedulerReminderInterval, t)
}

// Close releases every resource ClientCore owns: the scheduler's pending
// timer, the cached transport stream, and the local state database.
func (c *ClientCore) Close() error {
	c.sched.Shutdown()
	c.transport.Drop()
	c.sessionMu.Lock()
	if c.channel != nil {
		c.channel.Logout()
	}
	c.sessionMu.Unlock()
	return c.store.Close()
}
