package parse

import (
	"regexp"
	"strconv"
	"strings"
)

// Conn identifies one established TCP connection.
type Conn struct {
	Process    string
	RemoteIP   string
	RemotePort int
}

// connLineRE matches one established-connection row of `lsof -i -P -n`
// output:
//
//	<proc> <pid> <user> <fd> IPv4|IPv6 <dev> <size> TCP <local>-><ip>:<port> (ESTABLISHED)
//
// The remote address capture is IPv4 only, matching the format the
// producing tool emits for established remotes.
var connLineRE = regexp.MustCompile(
	`^(\S+)\s+\d+\s+\S+\s+\S+\s+IPv[46]\s+\S+\s+\S+\s+TCP\s+\S+->(\d+\.\d+\.\d+\.\d+):(\d+)\s+\(ESTABLISHED\)`,
)

// ParseConnTable scans connection-table output line by line and returns
// the set of established TCP connections. Header lines, LISTEN entries,
// and malformed rows are silently skipped; duplicate connections across
// lines collapse into one set entry. Runs in time linear in the input.
func ParseConnTable(output string) map[Conn]struct{} {
	conns := make(map[Conn]struct{})
	for _, line := range strings.Split(output, "\n") {
		m := connLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[3])
		if err != nil {
			port = 0
		}
		conns[Conn{Process: m[1], RemoteIP: m[2], RemotePort: port}] = struct{}{}
	}
	return conns
}
