package health

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// DefaultWirelessPath is the kernel's wireless statistics table.
const DefaultWirelessPath = "/proc/net/wireless"

// WirelessSignal reports the uplink signal level in dBm from the wireless
// statistics table. An empty Interface selects the first listed interface.
// RSSI returns zero when the table or interface is missing.
type WirelessSignal struct {
	Path      string
	Interface string
}

// RSSI returns the current signal level in dBm.
func (w WirelessSignal) RSSI() int {
	path := w.Path
	if path == "" {
		path = DefaultWirelessPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parseWirelessLevel(data, w.Interface)
}

// parseWirelessLevel extracts the level column:
//
//	Inter-| sta-|   Quality        |   Discarded packets ...
//	 face | tus | link level noise |  nwid  crypt ...
//	 wlan0: 0000   54.  -56.  -256        0      0 ...
func parseWirelessLevel(data []byte, iface string) int {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 0; sc.Scan(); line++ {
		if line < 2 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[0], ":")
		if iface != "" && name != iface {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "."), 64)
		if err != nil {
			return 0
		}
		return int(level)
	}
	return 0
}
