package scheduler

import (
	"context"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/anonymiser"
	"github.com/uclh-foundry/pixl/modules/exporter"
	"github.com/uclh-foundry/pixl/modules/ledger"
	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/modules/source"
	"github.com/uclh-foundry/pixl/pkg/dicomstore"
	"github.com/uclh-foundry/pixl/pkg/util"
	ulog "github.com/uclh-foundry/pixl/pkg/util/log"
)

const (
	outcomeExported    = "exported"
	outcomeDuplicate   = "duplicate"
	outcomeNotFound    = "not-found"
	outcomeFailed      = "failed"
	outcomeDeadLetter  = "dead-lettered"
	outcomeToSecondary = "sent-to-secondary"
	outcomeRequeued    = "requeued"
)

// handle runs one delivery through the pipeline and settles it. The return
// value is the outcome label for metrics; every path settles exactly once.
func (s *Scheduler) handle(ctx context.Context, d queue.Delivery) string {
	msg := d.Message
	slug := util.Slugify(msg.ProjectName)
	key := msg.SourceKey()
	logger := ulog.WithRequest(s.logger, slug, d.MessageID)

	// Dedupe first: delivery is at-least-once, so replays are routine.
	// Exported and anonymised are both past the point of no repeat.
	if rec, ok, err := s.deps.Ledger.Get(ctx, slug, key); err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "ledger lookup"))
	} else if ok && settled(rec.State) {
		level.Debug(logger).Log("msg", "duplicate request", "source_key", key, "state", rec.State)
		settle(logger, "ack", d.Ack)
		return outcomeDuplicate
	}

	project, err := s.deps.Projects.Get(slug)
	if errors.Is(err, projects.ErrUnknownProject) {
		level.Warn(logger).Log("msg", "unknown project, dead-lettering", "err", err)
		settle(logger, "dead-letter", func() error { return d.DeadLetter("unknown project " + slug) })
		return outcomeDeadLetter
	}
	if err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "resolving project"))
	}

	src, bucket := s.deps.Primary, s.primaryBucket
	if d.Queue == queue.Secondary {
		src, bucket = s.deps.Secondary, s.secondaryBucket
	}
	logger = log.With(logger, "source", src.Name())

	// The bucket paces request initiation only. Tokens are consumed, not
	// held: the transfer below runs outside any rate accounting.
	if err := bucket.Acquire(ctx); err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "acquiring source token"))
	}

	q := dicomstore.Query{StudyUID: msg.StudyUID}
	if q.StudyUID == "" {
		q.PatientID = msg.MRN
		q.AccessionNumber = msg.AccessionNumber
	}
	matches, err := src.FindStudies(ctx, q)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrNotFound), errors.Is(err, source.ErrUnavailable):
		if d.Queue == queue.Primary {
			level.Info(logger).Log("msg", "study not available at primary, handing to secondary", "source_key", key, "err", err)
			settle(logger, "send-to-secondary", d.SendToSecondary)
			return outcomeToSecondary
		}
		if errors.Is(err, source.ErrUnavailable) {
			return s.requeue(logger, d, err)
		}
		return s.fail(ctx, logger, d, slug, key, ledger.StatePending, "NotFound", outcomeNotFound)
	default:
		return s.requeue(logger, d, errors.Wrap(err, "querying source"))
	}

	// An (MRN, accession) query may match several studies; they merge into
	// one anonymised study keyed by the smallest source UID.
	uids := make([]string, 0, len(matches))
	advertised := make(map[string]int, len(matches))
	for _, m := range matches {
		uids = append(uids, m.StudyInstanceUID)
		advertised[m.StudyInstanceUID] = m.NumberOfInstances
	}
	sort.Strings(uids)
	canonical := uids[0]
	logger = log.With(logger, "study_uid", canonical)

	if canonical != key {
		// The resolved study may already be done under its UID even though
		// this message carried only MRN and accession.
		if rec, ok, err := s.deps.Ledger.Get(ctx, slug, canonical); err != nil {
			return s.requeue(logger, d, errors.Wrap(err, "ledger lookup"))
		} else if ok && settled(rec.State) {
			level.Debug(logger).Log("msg", "study already processed under its UID", "state", rec.State)
			settle(logger, "ack", d.Ack)
			return outcomeDuplicate
		}
		key = canonical
	}
	if _, err := s.deps.Ledger.Ensure(ctx, slug, key); err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "ensuring ledger row"))
	}

	for _, uid := range uids {
		s.deps.Cache.Pin(uid)
	}
	defer func() {
		for _, uid := range uids {
			s.deps.Cache.Unpin(uid)
		}
	}()

	for _, uid := range uids {
		err := src.Retrieve(ctx, uid, nil)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrTransferTimeout):
			// Instances may have landed anyway; the stability wait repairs
			// whatever is missing.
			level.Warn(logger).Log("msg", "transfer timed out, relying on cache repair", "retrieve_uid", uid, "err", err)
		case errors.Is(err, source.ErrUnavailable) && d.Queue == queue.Primary:
			level.Info(logger).Log("msg", "source opened its breaker mid-retrieve, handing to secondary", "err", err)
			settle(logger, "send-to-secondary", d.SendToSecondary)
			return outcomeToSecondary
		default:
			return s.requeue(logger, d, errors.Wrapf(err, "retrieving study %s", uid))
		}
	}

	total := 0
	for _, uid := range uids {
		info, err := s.deps.Cache.WaitForStudy(ctx, src, uid, advertised[uid])
		if err != nil {
			return s.requeue(logger, d, errors.Wrapf(err, "waiting for study %s", uid))
		}
		total += info.Instances
	}
	level.Debug(logger).Log("msg", "study stable in raw cache", "studies", len(uids), "instances", total)

	input, err := s.readInstances(ctx, uids)
	if err != nil {
		return s.requeue(logger, d, err)
	}

	salt, err := s.deps.Salts.Salt(ctx, project.KVAlias)
	if err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "resolving project salt"))
	}
	engine, err := anonymiser.New(project, salt, anonymiser.Options{
		ShiftOverride: s.cfg.StudyTimeOffsetDays,
		Logger:        logger,
	})
	if err != nil {
		return s.fail(ctx, logger, d, slug, key, ledger.StatePending, "AnonymisationFailure: "+err.Error(), outcomeFailed)
	}

	result, err := engine.AnonymiseStudy(ctx, input)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return s.requeue(logger, d, ctx.Err())
	case errors.Is(err, anonymiser.ErrValidation):
		return s.fail(ctx, logger, d, slug, key, ledger.StatePending, "ValidationFailure: "+err.Error(), outcomeFailed)
	default:
		return s.fail(ctx, logger, d, slug, key, ledger.StatePending, "AnonymisationFailure: "+err.Error(), outcomeFailed)
	}
	if len(result.Instances) == 0 {
		return s.fail(ctx, logger, d, slug, key, ledger.StatePending, "ValidationFailure: no instances retained by project filters", outcomeFailed)
	}

	for _, inst := range result.Instances {
		if err := s.deps.Staging.Upload(ctx, inst.Data); err != nil {
			return s.requeue(logger, d, errors.Wrap(err, "staging anonymised instance"))
		}
	}

	if err := s.deps.Ledger.SetAnonIDs(ctx, slug, key, result.AnonStudyUID, result.PseudoPatientID); err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "recording anonymised identifiers"))
	}
	if err := s.deps.Ledger.Transition(ctx, slug, key, ledger.StatePending, ledger.StateAnonymised, ""); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// A concurrent worker beat us to this study. Exactly one upload
			// per (project, study): the loser walks away.
			level.Info(logger).Log("msg", "lost anonymisation race, acking", "source_key", key)
			settle(logger, "ack", d.Ack)
			return outcomeDuplicate
		}
		return s.requeue(logger, d, errors.Wrap(err, "recording anonymised state"))
	}

	receipt, err := s.export(ctx, project, &exporter.StudyExport{
		ProjectSlug:     slug,
		PseudoPatientID: result.PseudoPatientID,
		AnonStudyUID:    result.AnonStudyUID,
		Instances:       result.Instances,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Undo the anonymised mark so a redelivery reprocesses instead of
		// short-circuiting to ack with the study never exported.
		if terr := s.deps.Ledger.Transition(context.WithoutCancel(ctx), slug, key, ledger.StateAnonymised, ledger.StatePending, ""); terr != nil && !errors.Is(terr, ledger.ErrConflict) {
			level.Warn(logger).Log("msg", "failed to reset state before requeue", "err", terr)
		}
		return s.requeue(logger, d, ctx.Err())
	default:
		// The staged copy stays put so the failure can be inspected and the
		// export re-triggered without another retrieve.
		return s.fail(ctx, logger, d, slug, key, ledger.StateAnonymised, "UploadFailure: "+err.Error(), outcomeFailed)
	}

	if err := s.deps.Ledger.Transition(ctx, slug, key, ledger.StateAnonymised, ledger.StateExported, ""); err != nil && !errors.Is(err, ledger.ErrConflict) {
		return s.requeue(logger, d, errors.Wrap(err, "recording export"))
	}

	// Housekeeping: the staged copy served its purpose. The deferred unpin
	// releases the raw copy to eviction.
	if err := s.deps.Staging.DeleteStudy(context.WithoutCancel(ctx), result.AnonStudyUID); err != nil {
		level.Warn(logger).Log("msg", "failed to delete staged study", "anon_study_uid", result.AnonStudyUID, "err", err)
	}

	level.Info(logger).Log("msg", "study exported",
		"source_key", key,
		"anon_study_uid", result.AnonStudyUID,
		"instances", len(result.Instances),
		"skipped", len(result.Skipped),
		"destination", receipt.Destination,
		"location", receipt.Location,
		"bytes", receipt.Bytes)
	settle(logger, "ack", d.Ack)
	return outcomeExported
}

func settled(state ledger.State) bool {
	return state == ledger.StateExported || state == ledger.StateAnonymised
}

func (s *Scheduler) readInstances(ctx context.Context, uids []string) ([]anonymiser.Instance, error) {
	var input []anonymiser.Instance
	for _, uid := range uids {
		infos, err := s.deps.Raw.Instances(ctx, uid)
		if err != nil {
			return nil, errors.Wrapf(err, "listing cached instances of %s", uid)
		}
		for _, inst := range infos {
			data, err := s.deps.Raw.InstanceData(ctx, inst.SOPInstanceUID)
			if err != nil {
				return nil, errors.Wrapf(err, "reading cached instance %s", inst.SOPInstanceUID)
			}
			input = append(input, anonymiser.Instance{SOPInstanceUID: inst.SOPInstanceUID, Data: data})
		}
	}
	return input, nil
}

// export retries transient destination failures in place. Rejections are
// permanent and returned as-is.
func (s *Scheduler) export(ctx context.Context, project *projects.ProjectConfig, study *exporter.StudyExport) (*exporter.Receipt, error) {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.ExportBackoff.MinBackoff,
		MaxBackoff: s.cfg.ExportBackoff.MaxBackoff,
		MaxRetries: s.cfg.ExportRetries,
	})
	var lastErr error
	for boff.Ongoing() {
		receipt, err := s.deps.Exporter.ExportStudy(ctx, project, study)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, exporter.ErrRejected) {
			return nil, err
		}
		lastErr = err
		level.Warn(s.logger).Log("msg", "export attempt failed", "project", study.ProjectSlug, "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, lastErr
}

// requeue hands the message back to the broker for another attempt.
func (s *Scheduler) requeue(logger log.Logger, d queue.Delivery, err error) string {
	level.Warn(logger).Log("msg", "requeueing message", "err", err)
	settle(logger, "requeue", d.Requeue)
	return outcomeRequeued
}

// fail records a terminal failure in the ledger and acks: redelivering
// cannot help, but the row keeps the reason for operators.
func (s *Scheduler) fail(ctx context.Context, logger log.Logger, d queue.Delivery, slug, key string, from ledger.State, reason, outcome string) string {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.deps.Ledger.Ensure(ctx, slug, key); err != nil {
		return s.requeue(logger, d, errors.Wrap(err, "recording failure"))
	}
	if err := s.deps.Ledger.Transition(ctx, slug, key, from, ledger.StateFailed, reason); err != nil && !errors.Is(err, ledger.ErrConflict) {
		return s.requeue(logger, d, errors.Wrap(err, "recording failure"))
	}
	level.Warn(logger).Log("msg", "request failed", "source_key", key, "reason", reason)
	settle(logger, "ack", d.Ack)
	return outcome
}
