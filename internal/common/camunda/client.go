// internal/common/camunda/client.go
package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"valuation-pipeline/internal/common/config"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/common/logger"
)

// Client owns the gateway connection shared by every job worker.
type Client struct {
	zeebe          zbc.Client
	requestTimeout time.Duration
}

// Backoff bounds the topology probe retried while the gateway comes up.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultBackoff = Backoff{Attempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

func (b Backoff) delay(attempt int) time.Duration {
	if attempt > 30 {
		return b.MaxDelay
	}
	d := b.BaseDelay * time.Duration(1<<attempt)
	if d <= 0 || d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Connect dials the gateway and waits for a successful topology response.
func Connect(ctx context.Context, cfg config.CamundaConfig, backoff Backoff, log logger.Logger) (*Client, error) {
	zeebe, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: true,
	})
	if err != nil {
		return nil, apperrors.NewExternalServiceError("zeebe", fmt.Errorf("create client: %w", err))
	}

	c := &Client{
		zeebe:          zeebe,
		requestTimeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 30 * time.Second
	}

	for attempt := 0; ; attempt++ {
		err = c.Ping(ctx)
		if err == nil {
			return c, nil
		}
		if !isRetryable(err) || attempt+1 >= backoff.Attempts {
			break
		}
		wait := backoff.delay(attempt)
		log.Warn("zeebe gateway not ready", map[string]interface{}{
			"address":     cfg.BrokerAddress,
			"attempt":     attempt + 1,
			"nextRetryIn": wait.String(),
			"error":       err.Error(),
		})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			_ = zeebe.Close()
			return nil, ctx.Err()
		}
	}

	_ = zeebe.Close()
	return nil, apperrors.NewExternalServiceError("zeebe", fmt.Errorf("gateway %s: %w", cfg.BrokerAddress, err))
}

// Zeebe returns the raw client for opening job workers.
func (c *Client) Zeebe() zbc.Client {
	return c.zeebe
}

// Ping sends a topology request bounded by the request timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	_, err := c.zeebe.NewTopologyCommand().Send(ctx)
	return err
}

func (c *Client) Close() error {
	return c.zeebe.Close()
}

// isRetryable reports whether a gateway error is transient.
func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
