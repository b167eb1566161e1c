package igmp

import (
	"net/netip"
	"testing"
)

// buildReport constructs a raw IPv4 datagram with the given IHL (in
// 32-bit words) carrying a single-record IGMPv3 membership report.
func buildReport(ihlWords int, recType uint8, group string, nsrcs uint16, auxLen int) []byte {
	ihl := ihlWords * 4
	buf := make([]byte, ihl)
	buf[0] = byte(0x40 | ihlWords) // version 4, IHL

	igmp := make([]byte, 8)
	igmp[0] = membershipReportType
	igmp[6] = 0
	igmp[7] = 1 // one group record

	rec := make([]byte, 8+4*int(nsrcs)+4*auxLen)
	rec[0] = recType
	rec[1] = byte(auxLen)
	rec[2] = byte(nsrcs >> 8)
	rec[3] = byte(nsrcs)
	ga := netip.MustParseAddr(group).As4()
	copy(rec[4:8], ga[:])

	out := append(buf, igmp...)
	out = append(out, rec...)
	return out
}

func TestParseMembershipReport_VariableIHL(t *testing.T) {
	tests := []struct {
		name     string
		ihlWords int
	}{
		{"no options, IHL 5", 5},
		{"with options, IHL 6", 6},
		{"with options, IHL 15", 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildReport(tt.ihlWords, changeToExcludeMode, "239.1.2.3", 0, 0)
			records, err := parseMembershipReport(raw)
			if err != nil {
				t.Fatalf("parseMembershipReport() error = %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d records, want 1", len(records))
			}
			want := netip.MustParseAddr("239.1.2.3")
			if records[0].Group != want {
				t.Errorf("got group %v, want %v", records[0].Group, want)
			}
		})
	}
}

func TestParseMembershipReport_MultipleRecordsWithSourcesAndAux(t *testing.T) {
	ihl := 20
	buf := make([]byte, ihl)
	buf[0] = 0x45

	igmp := make([]byte, 8)
	igmp[0] = membershipReportType
	igmp[7] = 2

	rec1 := make([]byte, 8+4*2+4*1) // nsrcs=2, auxwords=1
	rec1[0] = changeToExcludeMode
	rec1[1] = 1
	rec1[3] = 2
	g1 := netip.MustParseAddr("239.0.0.1").As4()
	copy(rec1[4:8], g1[:])

	rec2 := make([]byte, 8)
	rec2[0] = changeToIncludeMode
	g2 := netip.MustParseAddr("239.0.0.2").As4()
	copy(rec2[4:8], g2[:])

	raw := append(buf, igmp...)
	raw = append(raw, rec1...)
	raw = append(raw, rec2...)

	records, err := parseMembershipReport(raw)
	if err != nil {
		t.Fatalf("parseMembershipReport() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (rec1's stride must be computed from its own nsrcs/auxlen)", len(records))
	}
	if records[1].Group != netip.MustParseAddr("239.0.0.2") {
		t.Errorf("got second record group %v, want 239.0.0.2 (offset desynchronized)", records[1].Group)
	}
}

func TestParseMembershipReport_NotAReport(t *testing.T) {
	raw := buildReport(5, changeToExcludeMode, "239.1.2.3", 0, 0)
	raw[5*4] = 0x16 // IGMPv2 report type
	if _, err := parseMembershipReport(raw); err == nil {
		t.Error("want error for non-IGMPv3-report type, got nil")
	}
}

func TestParseMembershipReport_Truncated(t *testing.T) {
	if _, err := parseMembershipReport([]byte{0x45}); err == nil {
		t.Error("want error for truncated datagram, got nil")
	}
}

func TestProcessRecords_DebounceJoin(t *testing.T) {
	var join, leave uint8
	group := netip.MustParseAddr("239.1.2.3")
	rec := []groupRecord{{Type: changeToExcludeMode, Group: group}}

	if ev := processRecords(rec, &join, &leave); len(ev) != 0 {
		t.Fatalf("first CHANGE_TO_EXCLUDE: got %d events, want 0", len(ev))
	}
	if join != 1 {
		t.Fatalf("pendingJoin = %d, want 1", join)
	}

	ev := processRecords(rec, &join, &leave)
	if len(ev) != 1 {
		t.Fatalf("second CHANGE_TO_EXCLUDE: got %d events, want 1", len(ev))
	}
	if ev[0].Type != EventJoin || ev[0].Group != group {
		t.Errorf("got %+v, want join for %v", ev[0], group)
	}
	if join != 0 {
		t.Errorf("pendingJoin = %d, want reset to 0", join)
	}
}

func TestProcessRecords_DebounceLeave(t *testing.T) {
	var join, leave uint8
	group := netip.MustParseAddr("239.1.2.3")
	rec := []groupRecord{{Type: changeToIncludeMode, NumberOfSources: 0, Group: group}}

	processRecords(rec, &join, &leave)
	ev := processRecords(rec, &join, &leave)
	if len(ev) != 1 || ev[0].Type != EventLeave {
		t.Fatalf("got %+v, want a single leave event", ev)
	}
}

func TestProcessRecords_IncludeWithSourcesIsNotALeave(t *testing.T) {
	var join, leave uint8
	rec := []groupRecord{{Type: changeToIncludeMode, NumberOfSources: 3, Group: netip.MustParseAddr("239.1.2.3")}}

	processRecords(rec, &join, &leave)
	ev := processRecords(rec, &join, &leave)
	if len(ev) != 0 {
		t.Errorf("got %d events, want 0 (CHANGE_TO_INCLUDE with sources isn't a leave)", len(ev))
	}
}

func TestProcessRecords_OppositeRecordDoesNotResetCounter(t *testing.T) {
	// A single EXCLUDE record followed by a single INCLUDE record must
	// leave both counters at 1 and fire neither event: the two kinds
	// of report don't reset each other, only their own second
	// occurrence (or firing) clears them.
	var join, leave uint8
	group := netip.MustParseAddr("239.1.2.3")

	ev := processRecords([]groupRecord{{Type: changeToExcludeMode, Group: group}}, &join, &leave)
	if len(ev) != 0 {
		t.Fatalf("got %d events after first EXCLUDE, want 0", len(ev))
	}
	if join != 1 {
		t.Fatalf("pendingJoin = %d, want 1", join)
	}

	ev = processRecords([]groupRecord{{Type: changeToIncludeMode, NumberOfSources: 0, Group: group}}, &join, &leave)
	if len(ev) != 0 {
		t.Fatalf("got %d events after INCLUDE, want 0", len(ev))
	}
	if join != 1 {
		t.Errorf("pendingJoin = %d, want to stay 1 — an INCLUDE record must not reset the pending join count", join)
	}
	if leave != 1 {
		t.Errorf("pendingLeave = %d, want 1", leave)
	}
}
