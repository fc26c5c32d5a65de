package wol

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	sendFunc func(broadcast string, target net.HardwareAddr) error
}

func (m *mockSender) Send(broadcast string, target net.HardwareAddr) error {
	if m.sendFunc != nil {
		return m.sendFunc(broadcast, target)
	}
	return nil
}

type mockProber struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockProber) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestWake_NoPollURL(t *testing.T) {
	var sentTo net.HardwareAddr
	sender := &mockSender{
		sendFunc: func(_ string, target net.HardwareAddr) error {
			sentTo = target
			return nil
		},
	}
	svc := NewWithClients(testLogger(), sender, nil)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:  "AA:BB:CC:DD:EE:FF",
		BroadcastIP: "192.168.1.255",
	})

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)

	want, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, want, sentTo)
}

func TestWake_InvalidMAC(t *testing.T) {
	svc := NewWithClients(testLogger(), &mockSender{}, nil)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:  "not-a-mac",
		BroadcastIP: "192.168.1.255",
	})

	require.NoError(t, err)
	assert.False(t, result.PacketSent)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "invalid MAC address")
}

func TestWake_PollUntilHostAnswers(t *testing.T) {
	calls := 0
	prober := &mockProber{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection refused")
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		},
	}
	svc := NewWithClients(testLogger(), &mockSender{}, prober)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		PollURL:      "http://192.168.1.10:8000",
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.TargetReady)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWake_PollTimeout(t *testing.T) {
	prober := &mockProber{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewWithClients(testLogger(), &mockSender{}, prober)

	result, err := svc.Wake(context.Background(), models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		PollURL:      "http://192.168.1.10:8000",
		Timeout:      30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.TargetReady)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "timed out")
}

func TestWake_ContextCancelledWhilePolling(t *testing.T) {
	prober := &mockProber{
		doFunc: func(_ *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewWithClients(testLogger(), &mockSender{}, prober)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := svc.Wake(ctx, models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "192.168.1.255",
		PollURL:      "http://192.168.1.10:8000",
		Timeout:      10 * time.Second,
		PollInterval: 50 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.False(t, result.TargetReady)
	require.ErrorIs(t, result.Error, context.Canceled)
}
