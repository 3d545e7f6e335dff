package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
)

func validProfile() profile.Profile {
	return profile.Profile{
		RemoteAddress:    "10.0.0.5",
		RemotePort:       "22",
		LocalAddress:     "127.0.0.1",
		LocalPort:        "5432",
		IntermediatePort: "6543",
		User:             "operador",
		Password:         "s3cret",
		File:             `C:\Users\op\.ssh\id_rsa`,
	}
}

func TestProfile_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile profile.Profile
	}{
		{name: "full", profile: validProfile()},
		{name: "empty password and key file", profile: func() profile.Profile {
			p := validProfile()
			p.Password = ""
			p.File = ""
			return p
		}()},
		{name: "all empty", profile: profile.Profile{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", "config.json")

			require.NoError(t, profile.Save(path, tt.profile))
			got, err := profile.Load(path)
			require.NoError(t, err)
			assert.Equal(t, tt.profile, got)
		})
	}
}

func TestProfile_LoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := profile.Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, profile.ErrNotFound)
	require.ErrorIs(t, err, profile.ErrConfig)
}

func TestProfile_LoadMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "remote_address=1"},
		{name: "missing field", content: `{"remote_address":"a","remote_port":"22","local_address":"","local_port":"5432","intermediate_port":"1","user":"u","password":""}`},
		{name: "null field", content: `{"remote_address":"a","remote_port":"22","local_address":"","local_port":"5432","intermediate_port":"1","user":"u","password":"","file":null}`},
		{name: "non string field", content: `{"remote_address":"a","remote_port":22,"local_address":"","local_port":"5432","intermediate_port":"1","user":"u","password":"","file":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := profile.Load(path)
			require.ErrorIs(t, err, profile.ErrConfig)
		})
	}
}

func TestProfile_Endpoints(t *testing.T) {
	t.Parallel()

	ep, err := validProfile().Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:22", ep.SSHAddr)
	assert.Equal(t, "127.0.0.1:5432", ep.RemoteAddr)
	assert.Equal(t, "localhost:6543", ep.LocalAddr)
	assert.Equal(t, 6543, ep.IntermediatePort)
}

func TestProfile_EndpointsDefaultsLocalAddress(t *testing.T) {
	t.Parallel()

	p := validProfile()
	p.LocalAddress = " "
	ep, err := p.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "localhost:5432", ep.RemoteAddr)
}

func TestProfile_EndpointsRejectsBadPorts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *profile.Profile)
	}{
		{name: "non numeric remote port", mutate: func(p *profile.Profile) { p.RemotePort = "ssh" }},
		{name: "empty local port", mutate: func(p *profile.Profile) { p.LocalPort = "" }},
		{name: "intermediate out of range", mutate: func(p *profile.Profile) { p.IntermediatePort = "70000" }},
		{name: "zero port", mutate: func(p *profile.Profile) { p.RemotePort = "0" }},
		{name: "missing host", mutate: func(p *profile.Profile) { p.RemoteAddress = "" }},
		{name: "missing user", mutate: func(p *profile.Profile) { p.User = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := validProfile()
			tt.mutate(&p)
			_, err := p.Endpoints()
			require.ErrorIs(t, err, profile.ErrConfig)
		})
	}
}
