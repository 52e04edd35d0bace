package grbl

var errorDescriptions = map[int]string{
	1:  "Expected command letter",
	2:  "Bad number format",
	3:  "Invalid statement",
	4:  "Value < 0",
	5:  "Setting disabled",
	6:  "Value < 3 usec",
	7:  "EEPROM read fail. Using defaults",
	8:  "Not idle",
	9:  "G-code lock",
	10: "Homing not enabled",
	11: "Line overflow",
	12: "Step rate > 30kHz",
	13: "Check Door",
	14: "Line length exceeded",
	15: "Travel exceeded",
	16: "Invalid jog command",
	17: "Setting disabled",
	20: "Unsupported command",
	21: "Modal group violation",
	22: "Undefined feed rate",
	23: "Invalid gcode ID:23",
	24: "Invalid gcode ID:24",
	25: "Invalid gcode ID:25",
	26: "Invalid gcode ID:26",
	27: "Invalid gcode ID:27",
	28: "Invalid gcode ID:28",
	29: "Invalid gcode ID:29",
	30: "Invalid gcode ID:30",
	31: "Invalid gcode ID:31",
	32: "Invalid gcode ID:32",
	33: "Invalid gcode ID:33",
	34: "Invalid gcode ID:34",
	35: "Invalid gcode ID:35",
	36: "Invalid gcode ID:36",
	37: "Invalid gcode ID:37",
	38: "Invalid gcode ID:38",
}

var alarmDescriptions = map[int]string{
	1:  "Hard limit triggered",
	2:  "Soft limit alarm",
	3:  "Reset while in motion",
	4:  "Probe fail: not in expected initial state",
	5:  "Probe fail: did not contact the workpiece",
	6:  "Homing fail: reset during active homing cycle",
	7:  "Homing fail: safety door opened during homing",
	8:  "Homing fail: pull off failed to clear limit switch",
	9:  "Homing fail: could not find limit switch",
	10: "Homing fail: dual axis limit switch not found",
}

// ErrorDescription returns the Grbl 1.1 description of an error:<n> code.
func ErrorDescription(code int) string {
	if s, ok := errorDescriptions[code]; ok {
		return s
	}
	return "Unknown error"
}

// AlarmDescription returns the Grbl 1.1 description of an ALARM:<n> code.
func AlarmDescription(code int) string {
	if s, ok := alarmDescriptions[code]; ok {
		return s
	}
	return "Unknown alarm"
}
