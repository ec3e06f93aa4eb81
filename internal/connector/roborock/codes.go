package roborock

// The vendor reports device state through numeric DPS fields inside the
// home payload. Keys are fixed across firmware versions; values need
// table decoding into the normalized model the dashboard shows.
const (
	dpsState    = "121"
	dpsBattery  = "122"
	dpsFanPower = "123"
	dpsWaterBox = "124"
)

// Normalized cleaning statuses.
const (
	StatusIdle      = "idle"
	StatusCleaning  = "cleaning"
	StatusReturning = "returning"
	StatusCharging  = "charging"
	StatusPaused    = "paused"
	StatusError     = "error"
	StatusOffline   = "offline"
)

var stateCodes = map[int]string{
	1:  StatusCleaning, // starting
	2:  StatusIdle,     // charger disconnected
	3:  StatusIdle,
	5:  StatusCleaning,
	6:  StatusReturning,
	8:  StatusCharging,
	10: StatusPaused,
	12: StatusError,
	14: StatusIdle, // firmware updating; not actionable
}

var fanCodes = map[int]string{
	101: "quiet",
	102: "balanced",
	103: "turbo",
	104: "max",
}

var waterCodes = map[int]string{
	200: "off",
	201: "low",
	202: "medium",
	203: "high",
}

// Fan and water levels accepted by SetFanSpeed / SetWaterLevel, reverse
// of the decode tables.
var (
	fanLevels = map[string]int{
		"quiet":    101,
		"balanced": 102,
		"turbo":    103,
		"max":      104,
	}
	waterLevels = map[string]int{
		"off":    200,
		"low":    201,
		"medium": 202,
		"high":   203,
	}
)

func decodeState(code int) string {
	if s, ok := stateCodes[code]; ok {
		return s
	}
	return StatusOffline
}

func decodeFan(code int) string {
	if s, ok := fanCodes[code]; ok {
		return s
	}
	return "balanced"
}

func decodeWater(code int) string {
	if s, ok := waterCodes[code]; ok {
		return s
	}
	return "off"
}
