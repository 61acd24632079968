// Package dispatch owns the per-IMEI in-flight command marker and
// synthesises the outbound AT command frame for the fleet's reply slot.
package dispatch

import (
	"sync"
	"time"

	"github.com/protei/gv50ingest/pkg/device"
	"github.com/protei/gv50ingest/pkg/protocol/frame"
)

// defaultStaleAfter is the age at which an in-flight marker is considered
// lost and eligible for resend.
const defaultStaleAfter = 60 * time.Second

type marker struct {
	kind   device.CommandKind
	sentAt time.Time
}

// Dispatcher tracks at most one in-flight command per IMEI and renders
// command intents into wire frames.
type Dispatcher struct {
	mu       sync.Mutex
	inFlight map[string]marker

	staleAfter  time.Duration
	password    string
	primaryIP   string
	primaryPort int
	backupIP    string
	backupPort  int
}

// Config carries the AT-command operands.
type Config struct {
	Password       string
	PrimaryIP      string
	PrimaryPort    int
	BackupIP       string
	BackupPort     int
	InFlightWindow time.Duration // 0 uses the 60s default
}

// New creates a dispatcher with the given command operands.
func New(cfg Config) *Dispatcher {
	window := cfg.InFlightWindow
	if window <= 0 {
		window = defaultStaleAfter
	}
	return &Dispatcher{
		inFlight:    make(map[string]marker),
		staleAfter:  window,
		password:    cfg.Password,
		primaryIP:   cfg.PrimaryIP,
		primaryPort: cfg.PrimaryPort,
		backupIP:    cfg.BackupIP,
		backupPort:  cfg.BackupPort,
	}
}

// InFlight reports whether a fresh marker (younger than the in-flight window,
// 60s by default) exists for imei. Passed to
// the reducer as a device.InFlightChecker.
func (d *Dispatcher) InFlight(imei string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.inFlight[imei]
	if !ok {
		return false
	}
	return time.Since(m.sentAt) < d.staleAfter
}

// Release clears the in-flight marker for imei, called when the reducer
// reports a matching ACK.
func (d *Dispatcher) Release(imei string) {
	d.mu.Lock()
	delete(d.inFlight, imei)
	d.mu.Unlock()
}

// Render synthesizes the wire frame for a command intent and records (or
// refreshes) the in-flight marker. Returns ok=false if a fresh marker
// already exists and the caller should not send anything this frame.
func (d *Dispatcher) Render(intent device.CommandIntent) (wire string, ok bool) {
	d.mu.Lock()
	if m, exists := d.inFlight[intent.IMEI]; exists && time.Since(m.sentAt) < d.staleAfter {
		d.mu.Unlock()
		return "", false
	}
	d.inFlight[intent.IMEI] = marker{kind: intent.Kind, sentAt: time.Now()}
	d.mu.Unlock()

	switch intent.Kind {
	case device.CommandBlock:
		return frame.GTOUTCommand(d.password, frame.Block), true
	case device.CommandUnblock:
		return frame.GTOUTCommand(d.password, frame.Unblock), true
	case device.CommandIPChange:
		return frame.GTSRICommand(d.password, d.primaryIP, d.primaryPort, d.backupIP, d.backupPort), true
	default:
		return "", false
	}
}

// ConnectionLost transitions any in-flight marker for imei back to pending
// by clearing it: the next bound connection will re-evaluate the device
// row's pending flags and may re-dispatch.
func (d *Dispatcher) ConnectionLost(imei string) {
	d.Release(imei)
}
