package adapters

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *ProbeVerifier {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewProbeVerifier(NewRealFileSystem(), t.TempDir(), 10*time.Millisecond, logger)
}

func TestProbeVerifier_ReachableTarget(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	v := newTestVerifier(t)
	err = v.Verify(context.Background(), "tok", entities.VerificationPolicy{
		GracePeriod:  time.Second,
		ProbeTargets: []string{listener.Addr().String()},
	})
	assert.NoError(t, err)
}

func TestProbeVerifier_GraceElapsed(t *testing.T) {
	v := newTestVerifier(t)
	v.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	err := v.Verify(context.Background(), "tok", entities.VerificationPolicy{
		GracePeriod:  50 * time.Millisecond,
		ProbeTargets: []string{"10.255.255.1:22"},
	})
	require.Error(t, err)
	assert.True(t, domainErrors.IsVerificationTimeoutError(err))
}

func TestProbeVerifier_ContextCancelled(t *testing.T) {
	v := newTestVerifier(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := v.Verify(ctx, "tok", entities.VerificationPolicy{
		GracePeriod:         time.Minute,
		RequireConfirmation: true,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProbeVerifier_Confirmation(t *testing.T) {
	v := newTestVerifier(t)
	policy := entities.VerificationPolicy{GracePeriod: time.Second, RequireConfirmation: true}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = v.Confirm("tok-1")
	}()

	require.NoError(t, v.Verify(context.Background(), "tok-1", policy))

	v.Clear("tok-1")
	assert.False(t, v.fileSystem.Exists(v.markerPath("tok-1")))
}

func TestProbeVerifier_NothingToCheck(t *testing.T) {
	v := newTestVerifier(t)
	assert.NoError(t, v.Verify(context.Background(), "tok", entities.VerificationPolicy{GracePeriod: time.Second}))
}
