package igmp

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Wire constants from RFC 3376.
const (
	membershipReportType = 0x22

	changeToIncludeMode = 0x03
	changeToExcludeMode = 0x04

	allIGMPv3RoutersGroup = "224.0.0.22"
)

var errNotAReport = errors.New("igmp: not an IGMPv3 membership report")
var errTruncated = errors.New("igmp: datagram too short")

// groupRecord is one record out of an IGMPv3 membership report.
type groupRecord struct {
	Type            uint8
	NumberOfSources uint16
	Group           netip.Addr
}

// ipHeaderLen returns the IPv4 header length in bytes from the low
// nibble of the first byte of an IP datagram (the IHL field, counted
// in 32-bit words).
func ipHeaderLen(b byte) int {
	return int(b&0x0f) * 4
}

// parseMembershipReport extracts the group records from a raw IPv4
// datagram carrying an IGMPv3 membership report. It tolerates any
// legal IHL and skips past records using the general per-record
// stride (8 + 4*nsrcs + 4*auxwords) rather than assuming nsrcs is
// always zero, so records this relay doesn't act on don't desynchronize
// parsing of the records that follow them.
//
// Records that run past the end of the datagram are dropped silently;
// everything parsed up to that point is still returned.
func parseMembershipReport(raw []byte) ([]groupRecord, error) {
	if len(raw) < 1 {
		return nil, errTruncated
	}
	ihl := ipHeaderLen(raw[0])
	if len(raw) < ihl+8 {
		return nil, errTruncated
	}

	igmp := raw[ihl:]
	if igmp[0] != membershipReportType {
		return nil, errNotAReport
	}

	numGroups := binary.BigEndian.Uint16(igmp[6:8])
	records := make([]groupRecord, 0, numGroups)

	offset := 8
	for i := 0; i < int(numGroups); i++ {
		if offset+8 > len(igmp) {
			break
		}
		recType := igmp[offset]
		auxLen := int(igmp[offset+1])
		nsrcs := binary.BigEndian.Uint16(igmp[offset+2 : offset+4])
		groupBytes := igmp[offset+4 : offset+8]

		stride := 8 + 4*int(nsrcs) + 4*auxLen
		if offset+stride > len(igmp) {
			break
		}

		records = append(records, groupRecord{
			Type:            recType,
			NumberOfSources: nsrcs,
			Group:           netip.AddrFrom4([4]byte(groupBytes)),
		})

		offset += stride
	}

	return records, nil
}

// processRecords folds newly parsed group records into the running
// join/leave debounce counters and returns any events that fire as a
// result. A logical join or leave event fires only on the second
// consecutive matching record, guarding against IGMP's own retransmit
// behavior producing duplicate events. A record of the other kind does
// not reset the counter it doesn't belong to: only that record type's
// own second occurrence, or the event it eventually fires, clears it.
func processRecords(records []groupRecord, pendingJoin, pendingLeave *uint8) []Event {
	var events []Event

	for _, r := range records {
		switch r.Type {
		case changeToExcludeMode:
			*pendingJoin++
			if *pendingJoin >= 2 {
				*pendingJoin = 0
				events = append(events, Event{Type: EventJoin, Group: r.Group})
			}
		case changeToIncludeMode:
			if r.NumberOfSources == 0 {
				*pendingLeave++
				if *pendingLeave >= 2 {
					*pendingLeave = 0
					events = append(events, Event{Type: EventLeave, Group: r.Group})
				}
			}
		}
	}

	return events
}
