package device

import (
	"sort"
	"strings"
)

// SortByName orders devices by local name (case-insensitive), unnamed last,
// then by id
func SortByName(devices []*Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		if (a.LocalName == "") != (b.LocalName == "") {
			return a.LocalName != ""
		}
		if an, bn := strings.ToLower(a.LocalName), strings.ToLower(b.LocalName); an != bn {
			return an < bn
		}
		return a.ID < b.ID
	})
}
