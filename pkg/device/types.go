// Package device holds the persisted device/telemetry/customer entities and
// the reducer that turns one parsed frame into state mutations, notification
// intents, and at most one outbound command intent.
package device

import "time"

// PendingBlock is the ternary block_cmd_pending field: nil means no pending
// intent, true means block requested, false means unblock requested.
type PendingBlock = *bool

// Device is the persisted, IMEI-keyed device row.
type Device struct {
	IMEI               string
	Plate              string
	CustomerRef        string
	IgnitionOn         bool
	Blocked            bool
	BlockCmdPending    PendingBlock
	IPChangePending    bool
	BatteryVoltage     float64
	BatteryLow         bool
	LastBatteryAlertAt time.Time
	LastSeenAt         time.Time

	// Motion fields are not part of the original entity description. They
	// hold the last GTSTT motion code and whether it indicates movement
	// (gv50.IsMoving).
	LastMotionCode string
	Moving         bool
}

// Telemetry is one append-only location/event sample.
type Telemetry struct {
	IMEI       string
	Longitude  float64
	Latitude   float64
	Altitude   float64
	Speed      float64
	Course     float64
	ServerTime time.Time
	DeviceTime time.Time
	RawFrame   string
}

// Customer is the read-only-to-core customer row.
type Customer struct {
	ID       string
	FCMToken string
}

// CommandKind enumerates the outbound AT commands the dispatcher can send.
type CommandKind string

const (
	CommandBlock    CommandKind = "block"
	CommandUnblock  CommandKind = "unblock"
	CommandIPChange CommandKind = "ipchange"
)

// CommandIntent is emitted by the reducer when the device row, after
// mutation, calls for an outbound command.
type CommandIntent struct {
	IMEI string
	Kind CommandKind
}

// NotificationIntent is emitted by the reducer for best-effort delivery via
// the push-notification gateway.
type NotificationIntent struct {
	EventType string
	IMEI      string
	Plate     string
	Fields    map[string]string
}

func boolPtr(b bool) *bool { return &b }
