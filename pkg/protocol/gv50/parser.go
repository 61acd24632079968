package gv50

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnrecognized is returned for a syntactically valid frame whose report
// type this parser does not know. The caller should log and drop it; no
// ACK is sent, which is acceptable behaviour for this protocol family.
type ErrUnrecognized struct {
	Header string
}

func (e ErrUnrecognized) Error() string {
	return fmt.Sprintf("gv50: unrecognized report header %q", e.Header)
}

// ErrMalformed is returned for a frame that matched a known report type but
// did not carry enough positional fields to parse safely.
type ErrMalformed struct {
	ReportType string
	Reason     string
}

func (e ErrMalformed) Error() string {
	return fmt.Sprintf("gv50: malformed %s frame: %s", e.ReportType, e.Reason)
}

// Parse decodes one complete '+...$' frame into a Message. frame must
// already have been extracted by the frame codec (leading '+', trailing '$').
func Parse(raw string) (Message, error) {
	body := strings.TrimPrefix(raw, "+")
	body = strings.TrimSuffix(body, "$")

	header, payload, found := strings.Cut(body, ":")
	if !found {
		return Message{}, ErrMalformed{ReportType: "?", Reason: "missing ':' separator"}
	}

	category := Category(header)
	switch category {
	case CategoryResp, CategoryBuff, CategoryAck:
	default:
		return Message{}, ErrMalformed{ReportType: "?", Reason: "unknown category " + header}
	}

	reportHeader, rest, found := strings.Cut(payload, ",")
	if !found {
		return Message{}, ErrMalformed{ReportType: payload, Reason: "no report body"}
	}
	reportType := ReportType(reportHeader)
	fields := strings.Split(rest, ",")

	msg := Message{
		Category:   category,
		ReportType: reportType,
		RawFrame:   raw,
	}
	if len(fields) > 0 {
		msg.ProtocolVersion = fields[0]
	}

	switch {
	case reportType == ReportFRI:
		return parseFRI(msg, fields)
	case reportType == ReportIGN || reportType == ReportIGF:
		return parseIGNIGF(msg, fields)
	case reportType == ReportOUT:
		return parseOUT(msg, fields)
	case reportType == ReportEPS:
		return parseEPS(msg, fields)
	case reportType == ReportHBD:
		return parseHBD(msg, fields)
	case reportType == ReportSTT:
		return parseSTT(msg, fields)
	case reportType == ReportSRI:
		return parseSRI(msg, fields)
	case locationReportTypes[reportType]:
		return parseLifecycleLocation(msg, fields)
	default:
		return Message{}, ErrUnrecognized{Header: string(reportType)}
	}
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// deviceTimestamp validates a YYYYMMDDHHMMSS string and returns a zero time
// with ok=false if it is the literal "0000", empty, or out of range.
func deviceTimestamp(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0000" || len(s) != 14 {
		return time.Time{}, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
	}
	year, _ := strconv.Atoi(s[0:4])
	month, _ := strconv.Atoi(s[4:6])
	day, _ := strconv.Atoi(s[6:8])
	hour, _ := strconv.Atoi(s[8:10])
	min, _ := strconv.Atoi(s[10:12])
	sec, _ := strconv.Atoi(s[12:14])

	if year < 1900 || year > 2100 {
		return time.Time{}, false
	}
	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC), true
}

// isFourteenDigitNumeric reports whether s is exactly 14 ASCII digits.
func isFourteenDigitNumeric(s string) bool {
	if len(s) != 14 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseFRI(msg Message, fields []string) (Message, error) {
	// payload fields are 0-indexed starting at protocol_version (field 0);
	// "imei@2" in the table counts from the payload header, i.e. fields[1].
	if len(fields) < 13 {
		return Message{}, ErrMalformed{ReportType: string(ReportFRI), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	msg.Location = Location{
		Speed:     parseFloat(field(fields, 7)),
		Course:    parseFloat(field(fields, 6)),
		Altitude:  parseFloat(field(fields, 9)),
		Longitude: parseFloat(field(fields, 10)),
		Latitude:  parseFloat(field(fields, 11)),
		HasFix:    true,
	}
	// Device timestamp: the last 14-digit numeric field before the trailing
	// count, scanning backward (the GTFRI tail layout varies by firmware rev).
	for i := len(fields) - 2; i >= 12; i-- {
		if isFourteenDigitNumeric(field(fields, i)) {
			if t, ok := deviceTimestamp(field(fields, i)); ok {
				msg.DeviceTime = t
				msg.HasDeviceTime = true
			}
			break
		}
	}
	if len(fields) > 0 {
		msg.Count = fields[len(fields)-1]
	}
	return msg, nil
}

func parseIGNIGF(msg Message, fields []string) (Message, error) {
	if len(fields) < 10 {
		return Message{}, ErrMalformed{ReportType: string(msg.ReportType), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	msg.Location = Location{
		Speed:     parseFloat(field(fields, 5)),
		Course:    parseFloat(field(fields, 6)),
		Altitude:  parseFloat(field(fields, 7)),
		Longitude: parseFloat(field(fields, 8)),
		Latitude:  parseFloat(field(fields, 9)),
		HasFix:    true,
	}
	if t, ok := deviceTimestamp(field(fields, 10)); ok {
		msg.DeviceTime = t
		msg.HasDeviceTime = true
	}
	return msg, nil
}

// parseLifecycleLocation handles GTPNA/GTPFA/GTMPN/GTMPF/GTBTC/GTSTC, which
// share the GTIGN field layout.
func parseLifecycleLocation(msg Message, fields []string) (Message, error) {
	return parseIGNIGF(msg, fields)
}

func parseOUT(msg Message, fields []string) (Message, error) {
	if len(fields) < 3 {
		return Message{}, ErrMalformed{ReportType: string(ReportOUT), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	msg.Status = field(fields, 3)
	msg.Blocked = msg.Status == "0000"
	return msg, nil
}

func parseEPS(msg Message, fields []string) (Message, error) {
	if len(fields) < 17 {
		return Message{}, ErrMalformed{ReportType: string(ReportEPS), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	msg.Location = Location{
		Speed:     parseFloat(field(fields, 5)),
		Course:    parseFloat(field(fields, 6)),
		Altitude:  parseFloat(field(fields, 7)),
		Longitude: parseFloat(field(fields, 8)),
		Latitude:  parseFloat(field(fields, 9)),
		HasFix:    true,
	}
	if t, ok := deviceTimestamp(field(fields, 10)); ok {
		msg.DeviceTime = t
		msg.HasDeviceTime = true
	}
	msg.BatteryVolts = parseFloat(field(fields, 16))
	msg.HasBattery = true
	return msg, nil
}

func parseHBD(msg Message, fields []string) (Message, error) {
	if len(fields) < 2 {
		return Message{}, ErrMalformed{ReportType: string(ReportHBD), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	return msg, nil
}

func parseSTT(msg Message, fields []string) (Message, error) {
	if len(fields) < 4 {
		return Message{}, ErrMalformed{ReportType: string(ReportSTT), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	msg.MotionCode = field(fields, 3)
	return msg, nil
}

func parseSRI(msg Message, fields []string) (Message, error) {
	if len(fields) < 3 {
		return Message{}, ErrMalformed{ReportType: string(ReportSRI), Reason: "too few fields"}
	}
	msg.IMEI = field(fields, 1)
	msg.Status = field(fields, 3)
	msg.IPChangeOK = msg.Status == "0000"
	return msg, nil
}

// IsMoving reports whether a GTSTT motion code indicates the device started
// moving (codes 11, 21, 42).
func IsMoving(motionCode string) bool {
	switch motionCode {
	case "11", "21", "42":
		return true
	default:
		return false
	}
}

var motionDescriptions = map[string]string{
	"11": "start moving",
	"12": "stop moving",
	"21": "start moving (towing)",
	"22": "stop moving (towing)",
	"41": "sensor rest",
	"42": "sensor motion",
}

// MotionDescription returns a human-readable label for a GTSTT motion code,
// used only for log lines.
func MotionDescription(code string) string {
	if d, ok := motionDescriptions[code]; ok {
		return d
	}
	return "unknown"
}
