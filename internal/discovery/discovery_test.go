package discovery

import "testing"

func TestFormatAndParseAnnounceRoundTrips(t *testing.T) {
	msg := formatAnnounce("prod", "node-1", "10.0.0.1:9000")
	cluster, nodeID, endpoint, ok := parseAnnounce(msg)
	if !ok {
		t.Fatalf("parseAnnounce failed to parse %q", msg)
	}
	if cluster != "prod" || nodeID != "node-1" || endpoint != "10.0.0.1:9000" {
		t.Fatalf("unexpected fields: %q %q %q", cluster, nodeID, endpoint)
	}
}

func TestParseAnnounceRejectsWrongPrefix(t *testing.T) {
	if _, _, _, ok := parseAnnounce("NOTWOLFSCALE|1|prod|node-1|10.0.0.1:9000"); ok {
		t.Fatal("expected rejection of wrong prefix")
	}
}

func TestParseAnnounceRejectsShortMessage(t *testing.T) {
	if _, _, _, ok := parseAnnounce("WOLFSCALE|1"); ok {
		t.Fatal("expected rejection of short message")
	}
}

func TestParseAnnounceRejectsWrongVersion(t *testing.T) {
	if _, _, _, ok := parseAnnounce("WOLFSCALE|2|prod|node-1|10.0.0.1:9000"); ok {
		t.Fatal("expected rejection of unknown version")
	}
}

func TestClusterNamesMatch(t *testing.T) {
	cases := []struct {
		ours, theirs string
		want         bool
	}{
		{"", "", true},
		{"", "prod", true},
		{"prod", "", true},
		{"prod", "prod", true},
		{"prod", "staging", false},
	}
	for _, c := range cases {
		if got := clusterNamesMatch(c.ours, c.theirs); got != c.want {
			t.Errorf("clusterNamesMatch(%q, %q) = %v, want %v", c.ours, c.theirs, got, c.want)
		}
	}
}
