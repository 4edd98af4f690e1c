package obd

import "strings"

var protocolNames = map[string]string{
	"0": "Automatic",
	"1": "SAE J1850 PWM (41.6 kbaud)",
	"2": "SAE J1850 VPW (10.4 kbaud)",
	"3": "ISO 9141-2 (5 baud init)",
	"4": "ISO 14230-4 KWP (5 baud init)",
	"5": "ISO 14230-4 KWP (fast init)",
	"6": "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	"7": "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	"8": "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	"9": "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	"A": "SAE J1939 CAN (29 bit ID, 250 kbaud)",
}

// DescribeProtocolCommand asks the adapter for the active protocol number.
const DescribeProtocolCommand = "ATDPN"

// ProtocolName maps an ATDPN reply ("6" or "A6" when chosen automatically)
// to a readable name.
func ProtocolName(reply string) string {
	num := strings.ToUpper(strings.TrimSpace(reply))
	num = strings.TrimPrefix(num, "A")
	if num == "" {
		// plain "A" is SAE J1939 rather than an automatic prefix
		num = "A"
	}
	if name, ok := protocolNames[num]; ok {
		return name
	}
	return "Unknown"
}
