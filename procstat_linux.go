//go:build linux

package conductor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const clockTicks = 100

// procStats reads CPU percent and resident set size for pid from /proc.
// CPU percent is averaged over the process lifetime.
func procStats(pid int) (cpu float64, rss int64, ok bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}
	// comm may contain spaces; fields resume after the closing paren.
	raw := string(data)
	i := strings.LastIndexByte(raw, ')')
	if i < 0 || i+2 >= len(raw) {
		return 0, 0, false
	}
	fields := strings.Fields(raw[i+2:])
	// fields[0] is state (stat field 3); utime=14, stime=15,
	// starttime=22, rss=24.
	if len(fields) < 22 {
		return 0, 0, false
	}
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	starttime, _ := strconv.ParseFloat(fields[19], 64)
	rssPages, _ := strconv.ParseInt(fields[21], 10, 64)

	uptime, err := readUptime()
	if err != nil {
		return 0, 0, false
	}
	elapsed := uptime - starttime/clockTicks
	if elapsed > 0 {
		cpu = 100 * ((utime + stime) / clockTicks) / elapsed
	}
	rss = rssPages * int64(os.Getpagesize())
	return cpu, rss, true
}

func readUptime() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed /proc/uptime")
	}
	return strconv.ParseFloat(fields[0], 64)
}
