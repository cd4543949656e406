// Package dicomsrc wraps C-ECHO, C-FIND and C-MOVE against a single
// DICOM source (spec §4.E), adding timeouts, retry-with-backoff and a
// per-source circuit breaker on top of a pluggable Association.
package dicomsrc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// StudyQuery identifies the study a C-FIND/C-MOVE targets: either an
// explicit StudyUID, or an (MRN, Accession) pair (spec §3 ExtractRequest
// invariant: study UID takes precedence when present).
type StudyQuery struct {
	StudyUID  string
	MRN       string
	Accession string
}

// FoundStudy is one C-FIND result: the study's UID plus the instances
// it advertises, used by the raw cache coordinator's missing-instance
// repair (spec §4.F).
type FoundStudy struct {
	StudyUID      string
	InstanceUIDs  []string // SOPInstanceUIDs advertised by the source
	SeriesUIDs    []string
}

// Association is the low-level DIMSE transport this package drives.
// The production implementation opens a DICOM upper-layer association
// per call and tears it down afterward; a fake implementation backs
// the test suite.
type Association interface {
	Echo(ctx context.Context) error
	Find(ctx context.Context, q StudyQuery) ([]FoundStudy, error)
	Move(ctx context.Context, studyUID string, destinationAE string) error
}

// Config bounds one Client's timeouts and breaker behaviour, sourced
// from cmn.Config (PIXL_QUERY_TIMEOUT, PIXL_DICOM_TRANSFER_TIMEOUT).
type Config struct {
	QueryTimeout       time.Duration
	TransferTimeout    time.Duration
	MaxAttempts        int
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	DestinationAE      string
}

func DefaultConfig(queryTimeout, transferTimeout time.Duration) Config {
	return Config{
		QueryTimeout:     queryTimeout,
		TransferTimeout:  transferTimeout,
		MaxAttempts:      3,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Client is the scheduler-facing handle onto one DICOM source (primary
// or secondary).
type Client struct {
	name string
	assoc Association
	cfg   Config
	brk   *breaker
}

func New(name string, assoc Association, cfg Config) *Client {
	return &Client{name: name, assoc: assoc, cfg: cfg, brk: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)}
}

func (c *Client) Name() string { return c.name }

// retryable accepts only TransferTimeout-classified errors. withBreaker
// classifies every failure of its fn as TransferTimeout, so any failed
// Echo, Find or Move attempt is retried up to MaxAttempts.
func retryable(err error) bool {
	return cmn.KindOf(err) == cmn.KindTransferTimeout
}

func (c *Client) withBreaker(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if !c.brk.allow() {
		return cmn.WithKind(cmn.KindCircuitOpen, errors.Errorf("dicomsrc: circuit open for %s", c.name))
	}
	err := cmn.Retry(ctx, c.cfg.MaxAttempts, 200*time.Millisecond, timeout, retryable, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(cctx)
		if err != nil {
			return cmn.WithKind(cmn.KindTransferTimeout, errors.Wrapf(err, "dicomsrc: %s", c.name))
		}
		return nil
	})
	if err != nil {
		c.brk.recordFailure()
		return err
	}
	c.brk.recordSuccess()
	return nil
}

// Echo performs a C-ECHO verification against the source.
func (c *Client) Echo(ctx context.Context) error {
	return c.withBreaker(ctx, c.cfg.QueryTimeout, c.assoc.Echo)
}

// Find issues a C-FIND for q, returning matching studies. A result of
// length zero (err == nil) is a genuine miss, distinct from an error.
func (c *Client) Find(ctx context.Context, q StudyQuery) ([]FoundStudy, error) {
	var found []FoundStudy
	err := c.withBreaker(ctx, c.cfg.QueryTimeout, func(ctx context.Context) error {
		var ferr error
		found, ferr = c.assoc.Find(ctx, q)
		return ferr
	})
	return found, err
}

// Move issues a C-MOVE of studyUID to the configured destination AE
// title, returning once the source reports transfer completion.
func (c *Client) Move(ctx context.Context, studyUID string) error {
	return c.withBreaker(ctx, c.cfg.TransferTimeout, func(ctx context.Context) error {
		return c.assoc.Move(ctx, studyUID, c.cfg.DestinationAE)
	})
}

// IsOpen reports whether the circuit breaker is currently open. The
// scheduler does not call it; it routes on the CircuitOpen error kind
// that Find returns while the breaker is open.
func (c *Client) IsOpen() bool { return c.brk.isOpen() }
