// Package grpcclient classifies frames on a remote voice activity service.
package grpcclient

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/resilience"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/vad"
)

// Config for the remote classifier.
type Config struct {
	Addr         string
	FrameSamples int
	CallTimeout  time.Duration
	Breaker      resilience.Config
}

// Client implements vad.Classifier over gRPC. Frames travel as little-endian
// PCM in a BytesValue; the verdict comes back as a BoolValue.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	cfg     Config
	breaker *resilience.Breaker
	healthy atomic.Bool
}

// New dials the service. Extra options are appended after the defaults.
func New(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = vad.DefaultFrameSamples
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = resilience.DefaultConfig("remote-vad")
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultKeepaliveTime,
			Timeout:             DefaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeUnavailable, "dial vad service %s", cfg.Addr)
	}

	c := &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		cfg:     cfg,
		breaker: resilience.New(cfg.Breaker),
	}
	c.healthy.Store(true)
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Classify implements vad.Classifier.
func (c *Client) Classify(ctx context.Context, frame []int16) (bool, error) {
	if err := vad.CheckFrame(frame, c.cfg.FrameSamples); err != nil {
		return false, err
	}

	buf := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	var speech bool
	err := c.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		out := new(wrapperspb.BoolValue)
		if err := c.conn.Invoke(callCtx, classifyMethod, wrapperspb.Bytes(buf), out); err != nil {
			return apperrors.FromGRPCError(err)
		}
		speech = out.GetValue()
		return nil
	}, apperrors.IsRetryable)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeClassifyFailed, "remote classify")
	}
	return speech, nil
}

// Check performs a single health check against the VAD service.
func (c *Client) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return apperrors.FromGRPCError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return apperrors.Newf(apperrors.CodeUnavailable, "vad service status %s", resp.GetStatus())
	}
	return nil
}

// Healthy reports the result of the most recent health check.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// WatchHealth checks the service every interval until ctx is done.
func (c *Client) WatchHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Check(ctx)
			was := c.healthy.Swap(err == nil)
			switch {
			case err != nil && was:
				slog.Warn("vad service unhealthy", "addr", c.cfg.Addr, "error", err)
			case err == nil && !was:
				slog.Info("vad service recovered", "addr", c.cfg.Addr)
				c.breaker.Reset()
			}
		}
	}
}
