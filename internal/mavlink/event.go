package mavlink

// Kind classifies an event emitted by a vehicle link. Consumers must treat
// unknown kinds as inert.
type Kind string

const (
	KindStatus     Kind = "status"
	KindError      Kind = "error"
	KindSuccess    Kind = "success"
	KindStatusText Kind = "statustext"
	KindAttitude   Kind = "attitude"
	KindVfrHud     Kind = "vfr_hud"
	KindGps        Kind = "gps"
	KindGpsPos     Kind = "gps_pos"
	KindSysStatus  Kind = "sys_status"
	KindFlightMode Kind = "flight_mode"
	KindDataRate   Kind = "data_rate"
	KindDebug      Kind = "debug"
)

// Event is one entry of the ordered, typed stream a vehicle link hands to
// the presentation layer. Text carries the payload for string-valued kinds
// (status, error, success, statustext, flight_mode, debug); Fields carries
// the payload for telemetry kinds and always includes a "timestamp" entry
// in Unix seconds.
type Event struct {
	Kind   Kind
	Text   string
	Fields map[string]float64
}
