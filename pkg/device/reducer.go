package device

import (
	"strconv"
	"time"

	"github.com/protei/gv50ingest/pkg/protocol/gv50"
)

// locationBearingReports append a telemetry sample but do not, by
// themselves, imply an ignition/battery mutation.
var locationBearingReports = map[gv50.ReportType]bool{
	gv50.ReportFRI: true,
	gv50.ReportIGN: true,
	gv50.ReportIGF: true,
	gv50.ReportEPS: true,
	gv50.ReportPNA: true,
	gv50.ReportPFA: true,
	gv50.ReportMPN: true,
	gv50.ReportMPF: true,
	gv50.ReportBTC: true,
	gv50.ReportSTC: true,
}

// Update is a sparse field-level mutation to apply to a device row. A nil
// pointer field means "leave unchanged".
type Update struct {
	IMEI                 string
	IgnitionOn           *bool
	Blocked              *bool
	BlockCmdPending      PendingBlock
	ClearBlockCmdPending bool
	IPChangePending      *bool
	BatteryVoltage       *float64
	BatteryLow           *bool
	LastBatteryAlertAt   *time.Time
	LastSeenAt           *time.Time
	LastMotionCode       *string
	Moving               *bool
}

// Result is everything the reducer produces from one inbound frame.
type Result struct {
	Telemetry     *Telemetry
	DeviceUpdate  Update
	Notifications []NotificationIntent
	Command       *CommandIntent
	ReleaseKind   CommandKind // zero value ("") means nothing to release
	Release       bool
}

// InFlightChecker reports whether a command is currently in flight for an
// IMEI. Ownership of that state lives in the dispatch package; the reducer
// only consults it to decide whether it may emit a new command.
type InFlightChecker func(imei string) bool

// Reduce applies one parsed frame to the current persisted device row
// (nil if this is the device's first-ever frame) and produces the staged
// mutation, any notification intents, and at most one outbound command
// intent.
func Reduce(msg gv50.Message, now time.Time, current *Device, inFlight InFlightChecker, lowBatteryVolts float64, alertDedupWindow time.Duration) Result {
	var res Result
	res.DeviceUpdate.IMEI = msg.IMEI

	isBuff := msg.Category == gv50.CategoryBuff

	if locationBearingReports[msg.ReportType] {
		serverTime := now
		if isBuff && msg.HasDeviceTime {
			serverTime = msg.DeviceTime
		}
		res.Telemetry = &Telemetry{
			IMEI:       msg.IMEI,
			Longitude:  msg.Location.Longitude,
			Latitude:   msg.Location.Latitude,
			Altitude:   msg.Location.Altitude,
			Speed:      msg.Location.Speed,
			Course:     msg.Location.Course,
			ServerTime: serverTime,
			DeviceTime: msg.DeviceTime,
			RawFrame:   msg.RawFrame,
		}
	}

	if !isBuff {
		seenAt := now
		res.DeviceUpdate.LastSeenAt = &seenAt

		switch msg.ReportType {
		case gv50.ReportIGN:
			res.DeviceUpdate.IgnitionOn = boolPtr(true)
			res.Notifications = append(res.Notifications, NotificationIntent{
				EventType: "ignition_on",
				IMEI:      msg.IMEI,
			})
		case gv50.ReportIGF:
			res.DeviceUpdate.IgnitionOn = boolPtr(false)
			res.Notifications = append(res.Notifications, NotificationIntent{
				EventType: "ignition_off",
				IMEI:      msg.IMEI,
			})
		case gv50.ReportEPS:
			applyBattery(&res, msg, now, current, lowBatteryVolts, alertDedupWindow)
		case gv50.ReportOUT:
			applyOutAck(&res, msg, current)
		case gv50.ReportSRI:
			applySriAck(&res, msg, current)
		case gv50.ReportSTT:
			code := msg.MotionCode
			res.DeviceUpdate.LastMotionCode = &code
			moving := gv50.IsMoving(code)
			res.DeviceUpdate.Moving = &moving
		}
	}

	res.Command = decideCommand(msg.IMEI, current, res.DeviceUpdate, inFlight)
	return res
}

func applyBattery(res *Result, msg gv50.Message, now time.Time, current *Device, lowVolts float64, dedup time.Duration) {
	v := msg.BatteryVolts
	res.DeviceUpdate.BatteryVoltage = &v

	low := v < lowVolts
	res.DeviceUpdate.BatteryLow = &low

	if !low {
		return
	}

	if current != nil && !current.LastBatteryAlertAt.IsZero() && now.Sub(current.LastBatteryAlertAt) < dedup {
		return
	}

	res.DeviceUpdate.LastBatteryAlertAt = &now
	res.Notifications = append(res.Notifications, NotificationIntent{
		EventType: "low_battery",
		IMEI:      msg.IMEI,
		Fields:    map[string]string{"voltage": formatVolts(v)},
	})
}

func applyOutAck(res *Result, msg gv50.Message, current *Device) {
	if current == nil || current.BlockCmdPending == nil {
		// No pending intent: the status is informative only.
		return
	}
	pending := *current.BlockCmdPending
	res.DeviceUpdate.ClearBlockCmdPending = true
	res.Release = true
	if pending {
		res.ReleaseKind = CommandBlock
	} else {
		res.ReleaseKind = CommandUnblock
	}

	// The confirmed immobiliser state only changes on status 0000. Other
	// success-variant codes (0001..0003) still consume the pending intent so
	// it cannot stick forever.
	if msg.Status != "0000" {
		return
	}
	res.DeviceUpdate.Blocked = boolPtr(pending)
	if pending {
		res.Notifications = append(res.Notifications, NotificationIntent{EventType: "blocked", IMEI: msg.IMEI})
	} else {
		res.Notifications = append(res.Notifications, NotificationIntent{EventType: "unblocked", IMEI: msg.IMEI})
	}
}

func applySriAck(res *Result, msg gv50.Message, current *Device) {
	if msg.Status != "0000" || current == nil || !current.IPChangePending {
		return
	}
	res.DeviceUpdate.IPChangePending = boolPtr(false)
	res.Release = true
	res.ReleaseKind = CommandIPChange
}

// decideCommand consults the (possibly just-staged) pending fields to decide
// whether this frame's reply slot should carry an outbound command. current
// is the row as loaded before this frame and is never modified here; staged
// changes from this same frame take precedence over it.
func decideCommand(imei string, current *Device, staged Update, inFlight InFlightChecker) *CommandIntent {
	pendingBlock := currentBlockPending(current, staged)
	if pendingBlock != nil {
		if inFlight == nil || !inFlight(imei) {
			kind := CommandUnblock
			if *pendingBlock {
				kind = CommandBlock
			}
			return &CommandIntent{IMEI: imei, Kind: kind}
		}
		return nil
	}

	if currentIPChangePending(current, staged) {
		if inFlight == nil || !inFlight(imei) {
			return &CommandIntent{IMEI: imei, Kind: CommandIPChange}
		}
	}
	return nil
}

func currentBlockPending(current *Device, staged Update) PendingBlock {
	if staged.ClearBlockCmdPending {
		return nil
	}
	if current == nil {
		return nil
	}
	return current.BlockCmdPending
}

func currentIPChangePending(current *Device, staged Update) bool {
	if staged.IPChangePending != nil {
		return *staged.IPChangePending
	}
	if current == nil {
		return false
	}
	return current.IPChangePending
}

func formatVolts(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
