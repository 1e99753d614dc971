package targets

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.0", "10.0.0.0/24"},
		{"10.0.0.0/24", "10.0.0.0/24"},
		{" 192.168.1.0/25 ", "192.168.1.0/25"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitSubnetKeepsSmallMasks(t *testing.T) {
	subs, err := SplitSubnet("10.0.0.0/25")
	if err != nil {
		t.Fatalf("SplitSubnet: %v", err)
	}
	if len(subs) != 1 || subs[0] != "10.0.0.0/25" {
		t.Errorf("SplitSubnet(/25) = %v, want the mask itself", subs)
	}
}

func TestSplitSubnetShardsWideMasks(t *testing.T) {
	subs, err := SplitSubnet("10.1.0.0/16")
	if err != nil {
		t.Fatalf("SplitSubnet: %v", err)
	}
	if len(subs) != 256 {
		t.Fatalf("SplitSubnet(/16) produced %d shards, want 256", len(subs))
	}
	if subs[0] != "10.1.0.0/24" || subs[255] != "10.1.255.0/24" {
		t.Errorf("shard bounds = %s .. %s", subs[0], subs[255])
	}
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate shard %s", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in      string
		lo, hi  int
		wantErr bool
	}{
		{"25565", 25565, 25565, false},
		{"25560-25575", 25560, 25575, false},
		{"1-65535", 1, 65535, false},
		{"0-10", 0, 0, true},
		{"30-20", 0, 0, true},
		{"abc", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		lo, hi, err := ParsePortRange(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePortRange(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (lo != tt.lo || hi != tt.hi) {
			t.Errorf("ParsePortRange(%q) = %d-%d, want %d-%d", tt.in, lo, hi, tt.lo, tt.hi)
		}
	}
}
