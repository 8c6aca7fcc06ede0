package naming

import "testing"

func TestMACFromIP(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		want    string
		wantErr bool
	}{
		{
			name: "basic IP",
			ip:   "10.20.30.40",
			want: "be:ef:0a:14:1e:28",
		},
		{
			name: "IP with CIDR",
			ip:   "10.250.250.10/24",
			want: "be:ef:0a:fa:fa:0a",
		},
		{
			name: "zero octets",
			ip:   "10.0.0.1",
			want: "be:ef:0a:00:00:01",
		},
		{
			name:    "invalid IP",
			ip:      "not-an-ip",
			wantErr: true,
		},
		{
			name:    "IPv6 address",
			ip:      "2001:db8::1",
			wantErr: true,
		},
		{
			name:    "invalid CIDR",
			ip:      "10.1.2.3/99",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MACFromIP(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Errorf("MACFromIP() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("MACFromIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheFileName(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "basename preserved",
			url:  "https://example.com/base.img",
			want: "cached_115b4f705adc636b7ed35cc7823f6f7c_base.img",
		},
		{
			name: "no basename",
			url:  "https://example.com/images/",
			want: "image_73eb3f996135d9b2030fd19a3812c1ed.qcow2",
		},
		{
			name: "query ignored for basename but part of key",
			url:  "https://example.com/noble.img.zst?sig=abc",
			want: "cached_6623b87b9781381bdf776f4c6622d70d_noble.img.zst",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CacheFileName(tt.url); got != tt.want {
				t.Errorf("CacheFileName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheKeyStable(t *testing.T) {
	a := CacheKey("https://example.com/base.img")
	b := CacheKey("https://example.com/base.img")
	if a != b {
		t.Fatalf("CacheKey not stable: %s != %s", a, b)
	}
	if CacheKey("https://example.com/other.img") == a {
		t.Fatal("different URLs produced the same key")
	}
}

func TestCloudInitISO(t *testing.T) {
	if got := CloudInitISO("db1"); got != "db1-cloudinit.iso" {
		t.Errorf("CloudInitISO() = %v", got)
	}
}

func TestOverlayDisk(t *testing.T) {
	if got := OverlayDisk("webA"); got != "webA-disk.qcow2" {
		t.Errorf("OverlayDisk() = %v", got)
	}
}

func TestMACFromName(t *testing.T) {
	got := MACFromName("webA")
	if got != "be:ef:ac:11:77:b4" {
		t.Errorf("MACFromName() = %v, want be:ef:ac:11:77:b4", got)
	}
	if MACFromName("webB") == got {
		t.Error("different names produced the same MAC")
	}
}
