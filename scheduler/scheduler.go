// Package scheduler implements the Imaging Scheduler of spec §4.D:
// the core per-message state machine tying together the project
// registry, rate limiter, DICOM source clients, raw cache, the
// anonymisation engine and the export router.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/pixl-imaging/pixl-core/anonymize"
	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/dicomsrc"
	"github.com/pixl-imaging/pixl-core/export"
	"github.com/pixl-imaging/pixl-core/ledger"
	"github.com/pixl-imaging/pixl-core/metrics"
	"github.com/pixl-imaging/pixl-core/project"
	"github.com/pixl-imaging/pixl-core/queue"
	"github.com/pixl-imaging/pixl-core/ratelimit"
	"github.com/pixl-imaging/pixl-core/rawcache"
	"github.com/pixl-imaging/pixl-core/secrets"
)

// Scheduler is one instance of the per-process worker pool driving
// extract requests end to end (spec §5: "parallel worker pool; each
// worker runs one message end-to-end").
type Scheduler struct {
	broker    queue.Broker
	projects  *project.Registry
	limiter   *ratelimit.Limiter
	primary   *dicomsrc.Client
	secondary *dicomsrc.Client
	cache     *rawcache.Coordinator
	ledger    ledger.Ledger
	router    *export.Router
	secretsR  secrets.Resolver
	cfg       cmn.Config
	metricsR  *metrics.Registry

	seen *cuckoo.Filter // redelivery-detection hint, not authoritative (the ledger is)

	assembleStudy AssembleStudyFunc
}

// AssembleStudyFunc packages the raw cache's instances of studyUID
// into anonymize.Instance values, hiding the cache-read, decode and
// SOPInstanceUID-ordering concerns from the scheduler core so it stays
// testable against a fake. It does not zip anything; anonymise zips the
// anonymised results itself (zipResults).
type AssembleStudyFunc func(ctx context.Context, cache *rawcache.Coordinator, studyUID string) ([]anonymize.Instance, error)

type Deps struct {
	Broker        queue.Broker
	Projects      *project.Registry
	Limiter       *ratelimit.Limiter
	Primary       *dicomsrc.Client
	Secondary     *dicomsrc.Client
	Cache         *rawcache.Coordinator
	Ledger        ledger.Ledger
	Router        *export.Router
	Secrets       secrets.Resolver
	Config        cmn.Config
	Metrics       *metrics.Registry
	AssembleStudy AssembleStudyFunc
}

func New(d Deps) *Scheduler {
	return &Scheduler{
		broker:        d.Broker,
		projects:      d.Projects,
		limiter:       d.Limiter,
		primary:       d.Primary,
		secondary:     d.Secondary,
		cache:         d.Cache,
		ledger:        d.Ledger,
		router:        d.Router,
		secretsR:      d.Secrets,
		cfg:           d.Config,
		metricsR:      d.Metrics,
		seen:          cuckoo.NewFilter(1 << 20),
		assembleStudy: d.AssembleStudy,
	}
}

// Run starts consuming queue with the given prefetch, which must equal
// the configured in-flight ceiling so broker back-pressure matches the
// scheduler's own ceiling (spec §4.A).
func (s *Scheduler) Run(ctx context.Context, q queue.Name, prefetch int) error {
	return s.broker.Consume(ctx, q, prefetch, func(ctx context.Context, d queue.Delivery) error {
		return s.handle(ctx, d)
	})
}

// handle is the spec §4.D state machine for one delivered message. The
// global in-flight slot is acquired before any other step and held for
// the delivery's entire lifetime.
func (s *Scheduler) handle(ctx context.Context, d queue.Delivery) error {
	release, err := s.limiter.AcquireGlobal(ctx)
	if err != nil {
		return d.Nack(true)
	}
	defer release()

	start := time.Now()
	outcome := "error"
	if s.metricsR != nil {
		s.metricsR.InFlight.Inc()
		defer func() {
			s.metricsR.InFlight.Dec()
			s.metricsR.MessagesHandled.WithLabelValues(outcome).Inc()
			if outcome == "exported" {
				s.metricsR.ExportDuration.Observe(time.Since(start).Seconds())
			}
		}()
	}

	req := d.Request
	logger := cmn.WithFields(req.Project, req.MessageID, req.StudyUID)

	matchKey := req.MatchKey()
	if !s.seen.InsertUnique([]byte(req.Project + "/" + matchKey)) {
		logger.Debugw("scheduler: probable redelivery (cuckoo filter hit)", "match_key", matchKey)
	}

	// 2. Resolve project. This runs before the ledger lookup so that a
	// dead-lettered message never gets a ledger row from GetOrCreate.
	cfg, err := s.projects.Get(req.Project)
	if err != nil {
		logger.Warnw("scheduler: unknown project", "error", err)
		outcome = "deadletter"
		return d.Nack(false) // dead-letter
	}

	// 1. Deduplicate.
	rec, existed, err := s.ledger.GetOrCreate(ctx, req.Project, matchKey)
	if err != nil {
		logger.Errorw("scheduler: ledger lookup failed", "error", err)
		return d.Nack(true)
	}
	if existed && (rec.State == ledger.StateExported || rec.State == ledger.StateAnonymised) {
		logger.Infow("scheduler: duplicate message short-circuited", "state", rec.State)
		outcome = "duplicate"
		return d.Ack()
	}

	// 3-4. Source attempt for this delivery's own queue. A miss (or an
	// open breaker) on the primary queue republishes the request, priority
	// included, onto the secondary queue and acks the primary delivery,
	// rather than trying the other source synchronously in
	// this same handler invocation, so back-pressure and priority
	// ordering apply to the fallback attempt too (spec §4.A, §4.D
	// steps 3-4). Only a miss on the secondary queue is a final
	// NotFound.
	qq := dicomsrc.StudyQuery{StudyUID: req.StudyUID, MRN: req.MRN, Accession: req.Accession}
	client := s.sourceForQueue(d.Queue)
	studyUID, ok, err := s.attempt(ctx, client, qq)
	if err != nil {
		logger.Errorw("scheduler: retrieval failed", "error", err)
		return d.Nack(true)
	}
	if !ok {
		if d.Queue == queue.Primary {
			if perr := s.broker.Publish(ctx, queue.Secondary, req); perr != nil {
				logger.Errorw("scheduler: failed to route to secondary queue", "error", perr)
				return d.Nack(true)
			}
			logger.Infow("scheduler: primary miss, routed to secondary queue")
			outcome = "routed_secondary"
			return d.Ack()
		}
		_ = s.ledger.Transition(ctx, req.Project, matchKey, rec.State, ledger.StateFailed, "", "", "NotFound")
		logger.Infow("scheduler: study not found on any source")
		outcome = "not_found"
		return d.Ack()
	}
	source := client.Name()
	logger = logger.With("source", source, "study_uid", studyUID)

	// 5. Stability wait.
	if err := s.cache.WaitStable(ctx, studyUID); err != nil {
		logger.Warnw("scheduler: cache did not reach stability", "error", err)
		return d.Nack(true)
	}

	// 6. Anonymisation trigger.
	anonUID, pseudoID, zipBytes, err := s.anonymise(ctx, cfg, studyUID)
	if err != nil {
		_ = s.ledger.Transition(ctx, req.Project, matchKey, rec.State, ledger.StateFailed, "", "", err.Error())
		logger.Errorw("scheduler: anonymisation failed", "error", err)
		outcome = "anonymisation_failed"
		return d.Ack()
	}
	if err := s.ledger.Transition(ctx, req.Project, matchKey, rec.State, ledger.StateAnonymised, anonUID, pseudoID, ""); err != nil {
		logger.Errorw("scheduler: ledger transition to anonymised failed", "error", err)
		return d.Nack(true)
	}

	// 7. Export.
	spec := s.exportSpec(cfg)
	_, err = s.router.Upload(ctx, export.StudyPackage{
		ProjectSlug:     req.Project,
		PseudoPatientID: pseudoID,
		AnonStudyUID:    anonUID,
		ZipBytes:        zipBytes,
		ExtractDateTime: req.ExtractDateTime,
	}, spec)
	if err != nil {
		_ = s.ledger.Transition(ctx, req.Project, matchKey, ledger.StateAnonymised, ledger.StateFailed, "", "", err.Error())
		logger.Errorw("scheduler: export failed", "error", err)
		outcome = "export_failed"
		return d.Ack()
	}
	if err := s.ledger.Transition(ctx, req.Project, matchKey, ledger.StateAnonymised, ledger.StateExported, "", "", ""); err != nil {
		logger.Errorw("scheduler: ledger transition to exported failed", "error", err)
		return d.Nack(true)
	}

	s.cache.Forget(studyUID)
	logger.Infow("scheduler: study exported")
	outcome = "exported"
	return d.Ack()
}

// exportSpec resolves the destination addresses for one project: the
// destination kind is per-project (spec §4.B), the addresses and XNAT
// overwrite/destination defaults are process-wide (spec §6), with a
// project's own xnat_destination_options overriding the process default.
func (s *Scheduler) exportSpec(cfg *project.ProjectConfig) export.Spec {
	xnatOverwrite := s.cfg.XNATOverwrite
	if cfg.XNAT.Overwrite != "" {
		xnatOverwrite = cfg.XNAT.Overwrite
	}
	xnatDestination := s.cfg.XNATDestination
	if cfg.XNAT.Destination != "" {
		xnatDestination = cfg.XNAT.Destination
	}
	return export.Spec{
		DICOMDestination: string(cfg.Destination.DICOM),
		FTPSAddr:         s.cfg.FTPSAddr,
		DICOMwebEndpoint: s.cfg.DICOMwebEndpoint,
		XNATBaseURL:      s.cfg.XNATBaseURL,
		XNATOverwrite:    xnatOverwrite,
		XNATDestination:  xnatDestination,
	}
}

// sourceForQueue returns the DICOM source client bound to the queue a
// delivery arrived on: primary deliveries query the primary source,
// secondary deliveries (routed there by a prior primary miss or open
// breaker) query the secondary source (spec §4.A).
func (s *Scheduler) sourceForQueue(q queue.Name) *dicomsrc.Client {
	if q == queue.Secondary {
		return s.secondary
	}
	return s.primary
}

func (s *Scheduler) attempt(ctx context.Context, c *dicomsrc.Client, q dicomsrc.StudyQuery) (studyUID string, ok bool, err error) {
	if err := s.limiter.AcquireSource(ctx, c.Name()); err != nil {
		return "", false, err
	}
	studies, err := c.Find(ctx, q)
	if err != nil {
		if cmn.KindOf(err) == cmn.KindCircuitOpen {
			return "", false, nil // route to the other source, not an error
		}
		return "", false, err
	}
	if len(studies) == 0 {
		return "", false, nil
	}

	// Multiple studies from one C-FIND: every advertised study is
	// retrieved and cached under its own StudyUID, but only the first
	// study's UID is returned, so the stability wait, anonymisation and
	// export that follow cover that study alone. The other studies are
	// not anonymised and are not merged into it.
	primaryUID := studies[0].StudyUID
	for _, st := range studies {
		s.cache.SetExpected(st.StudyUID, len(st.InstanceUIDs))
		s.cache.Pin(st.StudyUID)
		if err := c.Move(ctx, st.StudyUID); err != nil {
			s.cache.Unpin(st.StudyUID)
			return "", false, err
		}
		if missing := s.cache.MissingInstances(st.StudyUID, st.InstanceUIDs); len(missing) > 0 {
			logger := cmn.L()
			logger.Warnw("scheduler: missing instances after C-MOVE, repairing", "study_uid", st.StudyUID, "count", len(missing))
			if err := c.Move(ctx, st.StudyUID); err != nil {
				s.cache.Unpin(st.StudyUID)
				return "", false, err
			}
		}
		s.cache.Unpin(st.StudyUID)
	}
	return primaryUID, true, nil
}

// anonymise assembles studyUID's instances, derives the study's salt
// and context, runs the engine over every instance, validates the
// result, and zips it — returning the new StudyUID, pseudonymised
// patient ID and the zip bytes ready for export (spec §4.G, §4.D step 6).
func (s *Scheduler) anonymise(ctx context.Context, cfg *project.ProjectConfig, studyUID string) (anonUID, pseudoID string, zipBytes []byte, err error) {
	instances, err := s.assembleStudy(ctx, s.cache, studyUID)
	if err != nil {
		return "", "", nil, cmn.WithKind(cmn.KindAnonymisationFail, err)
	}

	projectSalt, err := secrets.Salt(ctx, s.secretsR, cfg.AzureKVAlias)
	if err != nil {
		return "", "", nil, err
	}
	localSalt, err := secrets.Salt(ctx, s.secretsR, cfg.AzureKVAlias+"--local")
	if err != nil {
		return "", "", nil, err
	}

	sc := anonymize.NewStudyContext(projectSalt, localSalt, studyUID)
	engine := anonymize.NewEngine(cfg)

	var results []anonymize.Result
	for _, inst := range instances {
		res, err := engine.Anonymise(sc, inst)
		if err != nil {
			return "", "", nil, err // atomicity: one failing instance fails the whole study
		}
		issuesAfter := anonymize.Validate(res.Dataset)
		if anonymize.HasBlockingIssue(issuesAfter) {
			return "", "", nil, cmn.WithKind(cmn.KindValidationFailure,
				errors.Errorf("scheduler: validation failed for study %s", studyUID))
		}
		results = append(results, res)
		pseudoID = res.PseudoPatientID
	}
	if len(results) == 0 {
		return "", "", nil, cmn.WithKind(cmn.KindSkipInstance, fmt.Errorf("scheduler: no usable instances in study %s", studyUID))
	}

	newUID, err := sc.UIDs.Rewrite(studyUID)
	if err != nil {
		return "", "", nil, cmn.WithKind(cmn.KindAnonymisationFail, err)
	}
	zipBytes, err = zipResults(results)
	if err != nil {
		return "", "", nil, cmn.WithKind(cmn.KindAnonymisationFail, err)
	}
	return newUID, pseudoID, zipBytes, nil
}
