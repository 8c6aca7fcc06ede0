package target

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    Target
		wantErr bool
	}{
		{
			name: "local system",
			uri:  "qemu:///system",
			want: Target{Transport: Local, Path: "/system", Socket: DefaultSocket, RawURI: "qemu:///system"},
		},
		{
			name: "local session",
			uri:  "qemu:///session",
			want: Target{Transport: Local, Path: "/session", Socket: DefaultSocket, RawURI: "qemu:///session"},
		},
		{
			name: "ssh with user and port",
			uri:  "qemu+ssh://admin@kvm01:2222/system",
			want: Target{Transport: SSH, Host: "kvm01", User: "admin", Port: 2222, Path: "/system", Socket: DefaultSocket, RawURI: "qemu+ssh://admin@kvm01:2222/system"},
		},
		{
			name: "ssh custom socket",
			uri:  "qemu+ssh://kvm01/system?socket=/run/libvirt/virtqemud-sock",
			want: Target{Transport: SSH, Host: "kvm01", Path: "/system", Socket: "/run/libvirt/virtqemud-sock", RawURI: "qemu+ssh://kvm01/system?socket=/run/libvirt/virtqemud-sock"},
		},
		{name: "ssh without host", uri: "qemu+ssh:///system", wantErr: true},
		{name: "tls unsupported", uri: "qemu+tls://kvm01/system", wantErr: true},
		{name: "empty", uri: "", wantErr: true},
		{name: "bad port", uri: "qemu+ssh://kvm01:99999/system", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTargetHelpers(t *testing.T) {
	remote, err := Parse("qemu+ssh://kvm01/system")
	require.NoError(t, err)

	assert.True(t, remote.IsRemote())
	assert.Equal(t, "kvm01:22", remote.Address(22))
	assert.Equal(t, "root@kvm01", remote.Destination("root"))
	assert.Equal(t, "qemu:///system", remote.DriverURI())

	local, err := Parse("qemu:///system")
	require.NoError(t, err)
	assert.False(t, local.IsRemote())
	assert.Empty(t, local.Host)
	assert.Equal(t, "qemu:///system", local.DriverURI())
}
