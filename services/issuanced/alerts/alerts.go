package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"esgcoupon/observability"
	"esgcoupon/services/issuanced/verifier"
)

// DefaultSubjectPrefix roots every published subject.
const DefaultSubjectPrefix = "esg.invariants"

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
}

// Publisher sends invariant findings to NATS, one subject per check.
type Publisher struct {
	conn         Conn
	prefix       string
	flushTimeout time.Duration
	logger       *slog.Logger
	closeFn      func()
}

// Connect dials NATS and returns a publisher owning the connection.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("alerts: nats url required")
	}
	name := cfg.Name
	if name == "" {
		name = "issuanced"
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(wait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("alerts: connect to nats: %w", err)
	}
	pub := NewPublisher(conn, cfg.SubjectPrefix, cfg.FlushTimeout, logger)
	pub.closeFn = conn.Close
	return pub, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, flushTimeout time.Duration, logger *slog.Logger) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, prefix: prefix, flushTimeout: flushTimeout, logger: logger}
}

// Subject returns the subject a finding for check is published on.
func (p *Publisher) Subject(check string) string {
	return p.prefix + "." + check
}

// Publish implements verifier.AlertFunc.
func (p *Publisher) Publish(ctx context.Context, finding verifier.Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("alerts: encode finding: %w", err)
	}
	subject := p.Subject(finding.Check)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("alerts: publish %s: %w", subject, err)
	}
	if err := p.conn.FlushTimeout(p.flushTimeout); err != nil {
		return fmt.Errorf("alerts: flush %s: %w", subject, err)
	}
	observability.Audit().RecordEvent("invariant_alert")
	p.logger.Info("invariant finding published",
		slog.String("subject", subject),
		slog.String("status", string(finding.Status)))
	return nil
}

// Close closes the connection when Connect created it.
func (p *Publisher) Close() {
	if p != nil && p.closeFn != nil {
		p.closeFn()
	}
}

// LogAlert writes findings to the structured log. It is the fallback when no
// broker is configured.
func LogAlert(logger *slog.Logger) verifier.AlertFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, finding verifier.Finding) error {
		logger.Warn("invariant finding",
			slog.String("report_id", finding.ReportID.String()),
			slog.String("asset_id", finding.AssetID),
			slog.String("check", finding.Check),
			slog.String("status", string(finding.Status)),
			slog.String("notes", strings.Join(finding.Notes, "; ")))
		return nil
	}
}

// Fanout delivers each finding to every sink and joins their errors.
func Fanout(sinks ...verifier.AlertFunc) verifier.AlertFunc {
	return func(ctx context.Context, finding verifier.Finding) error {
		var errs []error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink(ctx, finding); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
