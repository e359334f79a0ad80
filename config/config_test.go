package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var validEnv = map[string]string{
	"FLUSH_INTERVAL":       "3",
	"NUMWANT_DEFAULT":      "25",
	"NUMWANT_MAX":          "50",
	"ANNOUNCE_MIN":         "1800",
	"ANNOUNCE_MAX":         "3600",
	"UPLOAD_FACTOR":        "200",
	"DOWNLOAD_FACTOR":      "0",
	"PEER_EXPIRY_INTERVAL": "1800",
	"ACTIVE_PEER_TTL":      "7200",
	"INACTIVE_PEER_TTL":    "1814400",
	"APIKEY":               strings.Repeat("k", 32),
}

func setEnv(t *testing.T, overrides map[string]string, without ...string) {
	for _, key := range Keys {
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range Keys {
			os.Unsetenv(key)
		}
	})

	for k, v := range validEnv {
		if v2, ok := overrides[k]; ok {
			v = v2
		}
		t.Setenv(k, v)
	}

	for _, key := range without {
		os.Unsetenv(key)
	}
}

func TestLoad(t *testing.T) {
	setEnv(t, nil)

	cfg, err := Load()
	require.Nil(t, err)
	require.Equal(t, Config{
		FlushInterval:      3,
		NumWantDefault:     25,
		NumWantMax:         50,
		AnnounceMin:        1800,
		AnnounceMax:        3600,
		UploadFactor:       200,
		DownloadFactor:     0,
		PeerExpiryInterval: 1800,
		ActivePeerTTL:      7200,
		InactivePeerTTL:    1814400,
		APIKey:             strings.Repeat("k", 32),
	}, cfg)

	require.Equal(t, 3*time.Second, cfg.FlushPeriod())
	require.Equal(t, 2*time.Hour, cfg.ActiveTTL())
	require.Equal(t, 21*24*time.Hour, cfg.InactiveTTL())
	require.Equal(t, 30*time.Minute, cfg.PeerExpiryPeriod())
	require.NotContains(t, cfg.LogFields(), "apiKey")
}

func TestLoadMissing(t *testing.T) {
	for _, key := range Keys {
		t.Run(key, func(t *testing.T) {
			setEnv(t, nil, key)

			_, err := Load()
			require.NotNil(t, err)
			require.True(t, errors.Is(err, ErrMissing))

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			require.Equal(t, key, cerr.Key)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	var table = []struct {
		key   string
		value string
	}{
		{"FLUSH_INTERVAL", "-1"},
		{"FLUSH_INTERVAL", "soon"},
		{"NUMWANT_DEFAULT", "-5"},
		{"NUMWANT_MAX", ""},
		{"ANNOUNCE_MIN", "4294967296"},
		{"ANNOUNCE_MAX", "1.5"},
		{"UPLOAD_FACTOR", "256"},
		{"DOWNLOAD_FACTOR", "-1"},
		{"PEER_EXPIRY_INTERVAL", "18446744073709551616"},
		{"ACTIVE_PEER_TTL", "x"},
		{"INACTIVE_PEER_TTL", "1e6"},
	}

	for _, tt := range table {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setEnv(t, map[string]string{tt.key: tt.value})

			_, err := Load()
			require.NotNil(t, err)
			require.True(t, errors.Is(err, ErrInvalid))

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			require.Equal(t, tt.key, cerr.Key)
			require.NotNil(t, cerr.Err)
		})
	}
}

func TestLoadBounds(t *testing.T) {
	setEnv(t, map[string]string{
		"UPLOAD_FACTOR":  "255",
		"FLUSH_INTERVAL": "18446744073709551615",
		"ANNOUNCE_MIN":   "4294967295",
		"ANNOUNCE_MAX":   "4294967295",
	})

	cfg, err := Load()
	require.Nil(t, err)
	require.Equal(t, uint8(255), cfg.UploadFactor)
	require.Equal(t, uint64(math.MaxUint64), cfg.FlushInterval)
	require.Equal(t, time.Duration(math.MaxInt64), cfg.FlushPeriod())
}

func TestLoadShortAPIKey(t *testing.T) {
	setEnv(t, map[string]string{"APIKEY": strings.Repeat("k", 31)})

	_, err := Load()
	require.True(t, errors.Is(err, ErrAPIKeyTooShort))
}

func TestLoadAnnounceRange(t *testing.T) {
	setEnv(t, map[string]string{"ANNOUNCE_MIN": "3601"})

	_, err := Load()
	require.True(t, errors.Is(err, ErrAnnounceRange))
}

func TestLoadWarningsAreNotErrors(t *testing.T) {
	setEnv(t, map[string]string{
		"NUMWANT_DEFAULT":   "100",
		"INACTIVE_PEER_TTL": "60",
	})

	_, err := Load()
	require.Nil(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	setEnv(t, nil, "APIKEY")
	t.Setenv("FLUSH_INTERVAL", "9")

	path := filepath.Join(t.TempDir(), ".env")
	contents := "APIKEY=" + strings.Repeat("d", 40) + "\nFLUSH_INTERVAL=1\n"
	require.Nil(t, os.WriteFile(path, []byte(contents), 0o600))

	require.Nil(t, LoadDotEnv(path))
	cfg, err := Load()
	require.Nil(t, err)
	require.Equal(t, strings.Repeat("d", 40), cfg.APIKey)
	require.Equal(t, uint64(9), cfg.FlushInterval, "the environment wins over the file")

	require.Nil(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing")))
}
