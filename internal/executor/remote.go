package executor

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/resilience"
)

// Tool service wire contract. Requests and responses are google.protobuf.Struct:
//
//	request  {tool: string, parameters: {...}, image: base64 PNG}
//	response {image?: base64 PNG, output?: {...}, error?: string}
const (
	ToolServiceName  = "imagetools.v1.ToolService"
	executeMethod    = "/" + ToolServiceName + "/Execute"
	maxMessageBytes  = 64 << 20
	remoteBreakerKey = "tool_service"
)

// RemoteConfig configures the connection to an external tool service
type RemoteConfig struct {
	Addr                string
	TLS                 bool
	ConnectTimeout      time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	Reconnect           *resilience.ReconnectConfig

	dialOptions []grpc.DialOption // appended after the defaults
}

// RemoteClient is a connection to an external tool service. Calls go through
// a circuit breaker so a dead service fails fast.
type RemoteClient struct {
	cfg     RemoteConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// DialRemote connects to the tool service and waits until it reports serving
func DialRemote(ctx context.Context, cfg RemoteConfig, logger zerolog.Logger) (*RemoteClient, error) {
	if cfg.Addr == "" {
		return nil, errors.New("tool service address is empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	c := &RemoteClient{
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker(remoteBreakerKey, cfg.BreakerMaxFailures, cfg.BreakerResetTimeout).
			WithFailureClassifier(resilience.IsServiceFailure),
		logger: logger.With().Str("component", "tool_service").Str("addr", cfg.Addr).Logger(),
	}
	c.breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	conn, err := grpc.NewClient(cfg.Addr, c.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool service client: %w", err)
	}
	c.conn = conn

	err = resilience.Reconnect(ctx, cfg.Addr, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		ok, err := c.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("tool service is not serving")
		}
		return nil
	}, cfg.Reconnect, c.logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to tool service at %s: %w", cfg.Addr, err)
	}

	c.logger.Info().Msg("Connected to tool service")
	return c, nil
}

func (c *RemoteClient) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if c.cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
		),
	)
	return append(opts, c.cfg.dialOptions...)
}

// HealthCheck asks the service's standard health endpoint whether the tool
// service is serving
func (c *RemoteClient) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return false, errors.New("tool service client is closed")
	}

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ToolServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

// Tool returns a Tool that forwards calls for name to the service
func (c *RemoteClient) Tool(name string) Tool {
	return &remoteTool{name: name, client: c}
}

// Execute forwards one call
func (c *RemoteClient) Execute(ctx context.Context, tool string, img *pixel.Buffer, params catalog.Params) (Result, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return Result{}, errors.New("tool service client is closed")
	}

	req, err := encodeRequest(tool, img, params)
	if err != nil {
		return Result{}, err
	}

	resp := &structpb.Struct{}
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return conn.Invoke(ctx, executeMethod, req, resp)
	})
	if err != nil {
		if resilience.IsServiceFailure(err) {
			observability.IncrementCircuitBreakerFailures(remoteBreakerKey)
		}
		return Result{}, fmt.Errorf("tool service call failed: %w", err)
	}
	return decodeResponse(resp)
}

// Close closes the connection
func (c *RemoteClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type remoteTool struct {
	name   string
	client *RemoteClient
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (Result, error) {
	return t.client.Execute(ctx, t.name, img, params)
}

func encodeRequest(tool string, img *pixel.Buffer, params catalog.Params) (*structpb.Struct, error) {
	data, err := img.EncodePNG()
	if err != nil {
		return nil, fmt.Errorf("failed to encode image for %s: %w", tool, err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"tool":       tool,
		"parameters": params.Map(),
		"image":      base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters for %s: %w", tool, err)
	}
	return req, nil
}

func decodeResponse(resp *structpb.Struct) (Result, error) {
	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return Result{}, errors.New(msg)
	}

	var res Result
	if out := fields["output"].GetStructValue(); out != nil {
		res.Output = out.AsMap()
	}
	if enc := fields["image"].GetStringValue(); enc != "" {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return Result{}, fmt.Errorf("tool service returned an undecodable image: %w", err)
		}
		buf, _, err := pixel.Decode(data)
		if err != nil {
			return Result{}, fmt.Errorf("tool service returned an undecodable image: %w", err)
		}
		res.Image = buf
	}
	return res, nil
}
