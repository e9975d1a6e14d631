package calsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
)

// Summary is what one reconciliation tick reports. Event content never
// appears here or in the summary log line.
type Summary struct {
	ScannedOutlook int
	ScannedGoogle  int
	OutlookSources int
	GoogleSources  int
	OutlookMirrors int
	GoogleMirrors  int
	CreatedOutlook int
	CreatedGoogle  int
	UpdatedOutlook int
	UpdatedGoogle  int
	DeletedOutlook int
	DeletedGoogle  int
	Conflicts      int
	Errors         int
}

// Writes is the total number of calendar mutations the tick performed.
func (s Summary) Writes() int {
	return s.CreatedOutlook + s.CreatedGoogle +
		s.UpdatedOutlook + s.UpdatedGoogle +
		s.DeletedOutlook + s.DeletedGoogle
}

type Options struct {
	PastDays      int
	FutureDays    int
	RedactionMode string
	Logger        Logger
	// Now overrides the clock, test use only.
	Now func() time.Time
}

// Engine reconciles the two calendars once per Tick. It is single-threaded
// and performs adapter calls sequentially; cancellation is observed between
// adapter calls, never mid-call.
type Engine struct {
	outlook    Adapter
	google     Adapter
	store      bridgecal.Store
	pastDays   int
	futureDays int
	redaction  string
	logger     Logger
	now        func() time.Time
}

func NewEngine(outlook, google Adapter, store bridgecal.Store, opts Options) (*Engine, error) {
	if outlook == nil || google == nil {
		return nil, fmt.Errorf("%w: both adapters are required", bridgecal.ErrConfig)
	}
	if outlook.Origin() != bridgecal.OriginOutlook || google.Origin() != bridgecal.OriginGoogle {
		return nil, fmt.Errorf("%w: adapter origins are mismatched", bridgecal.ErrConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: mapping store is required", bridgecal.ErrConfig)
	}
	e := &Engine{
		outlook:    outlook,
		google:     google,
		store:      store,
		pastDays:   opts.PastDays,
		futureDays: opts.FutureDays,
		redaction:  opts.RedactionMode,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if e.pastDays <= 0 {
		e.pastDays = 30
	}
	if e.futureDays <= 0 {
		e.futureDays = 180
	}
	if e.redaction == "" {
		e.redaction = bridgecal.RedactionNone
	}
	if e.redaction != bridgecal.RedactionNone && e.redaction != bridgecal.RedactionBusyOnly {
		return nil, fmt.Errorf("%w: unknown redaction mode %q", bridgecal.ErrConfig, e.redaction)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// plannedWrite is one calendar mutation plus the mapping mutation that
// follows it on success.
type plannedWrite struct {
	target   bridgecal.Origin
	targetID string // empty for creates
	payload  bridgecal.CanonicalEvent
	row      bridgecal.MappingRow
	// replaces, when non-nil, is a stale row dropped in the same
	// checkpoint that records the new one (mirror id changed).
	replaces *bridgecal.MappingRow
}

type plannedDelete struct {
	target   bridgecal.Origin
	targetID string
	row      bridgecal.MappingRow
}

type tickPlan struct {
	deletes []plannedDelete
	updates []plannedWrite
	creates []plannedWrite
	// rowDeletes are rows dead on both sides; no adapter call involved.
	rowDeletes []bridgecal.MappingRow
	// rowUpserts are baseline refreshes with no adapter write (no-op pairs
	// and marker-repaired pairs).
	rowUpserts []bridgecal.MappingRow
}

// Tick runs one full reconciliation pass: enumerate, classify, pair, decide,
// execute (deletes, then updates, then creates, with a mapping checkpoint
// after each phase), persist cursors.
func (e *Engine) Tick(ctx context.Context) (Summary, error) {
	var sum Summary
	now := e.now().UTC()
	windowStart := now.AddDate(0, 0, -e.pastDays)
	windowEnd := now.AddDate(0, 0, e.futureDays)

	googleCursor, _, err := e.store.GetCursor(bridgecal.CursorGoogleSyncToken)
	if err != nil {
		return sum, fmt.Errorf("read google cursor: %w", err)
	}

	outlookRaws, _, err := e.outlook.ListWindow(ctx, windowStart, windowEnd, "")
	if err != nil {
		return sum, fmt.Errorf("list outlook window: %w", err)
	}
	googleRaws, googleNextCursor, err := e.google.ListWindow(ctx, windowStart, windowEnd, googleCursor)
	if err != nil {
		return sum, fmt.Errorf("list google window: %w", err)
	}
	sum.ScannedOutlook = len(outlookRaws)
	sum.ScannedGoogle = len(googleRaws)

	outlookAll := e.normalizeAll(outlookRaws, bridgecal.OriginOutlook)
	googleAll := e.normalizeAll(googleRaws, bridgecal.OriginGoogle)
	for _, ev := range outlookAll {
		if ev.IsMirror() {
			sum.OutlookMirrors++
		} else {
			sum.OutlookSources++
		}
	}
	for _, ev := range googleAll {
		if ev.IsMirror() {
			sum.GoogleMirrors++
		} else {
			sum.GoogleSources++
		}
	}

	plan, err := e.buildPlan(&sum, outlookAll, googleAll)
	if err != nil {
		return sum, err
	}

	if err := e.execute(ctx, &sum, plan, googleNextCursor, now); err != nil {
		return sum, err
	}

	e.logf("tick summary scanned_outlook=%d scanned_google=%d outlook_src=%d google_src=%d outlook_mirror=%d google_mirror=%d created_outlook=%d created_google=%d updated_outlook=%d updated_google=%d deleted_outlook=%d deleted_google=%d conflicts=%d errors=%d",
		sum.ScannedOutlook, sum.ScannedGoogle,
		sum.OutlookSources, sum.GoogleSources,
		sum.OutlookMirrors, sum.GoogleMirrors,
		sum.CreatedOutlook, sum.CreatedGoogle,
		sum.UpdatedOutlook, sum.UpdatedGoogle,
		sum.DeletedOutlook, sum.DeletedGoogle,
		sum.Conflicts, sum.Errors)
	return sum, nil
}

// normalizeAll converts raw records to canonical events, indexed by source
// id. Malformed records are logged and skipped. Duplicate ids keep the
// later-modified record.
func (e *Engine) normalizeAll(raws []bridgecal.Raw, origin bridgecal.Origin) map[string]bridgecal.CanonicalEvent {
	indexed := make(map[string]bridgecal.CanonicalEvent, len(raws))
	for _, raw := range raws {
		ev, err := bridgecal.Normalize(raw, origin)
		if err != nil {
			e.logf("skipping event origin=%s id=%s err=%v", origin, raw.ID, err)
			continue
		}
		if prev, ok := indexed[ev.SourceID]; ok && prev.LastModified.After(ev.LastModified) {
			continue
		}
		indexed[ev.SourceID] = ev
	}
	return indexed
}

func (e *Engine) buildPlan(sum *Summary, outlookAll, googleAll map[string]bridgecal.CanonicalEvent) (*tickPlan, error) {
	allOf := func(o bridgecal.Origin) map[string]bridgecal.CanonicalEvent {
		if o == bridgecal.OriginOutlook {
			return outlookAll
		}
		return googleAll
	}

	rows, err := e.store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("list mapping rows: %w", err)
	}

	plan := &tickPlan{}
	consumed := map[bridgecal.Origin]map[string]bool{
		bridgecal.OriginOutlook: {},
		bridgecal.OriginGoogle:  {},
	}
	usedMirror := map[bridgecal.Origin]map[string]bool{
		bridgecal.OriginOutlook: {},
		bridgecal.OriginGoogle:  {},
	}

	// Rule a: mapping-first pairing.
	for _, row := range rows {
		srcOrigin := row.Origin
		if !srcOrigin.Valid() {
			srcOrigin = bridgecal.OriginOutlook
		}
		mirOrigin := srcOrigin.Opposite()
		srcID := rowID(row, srcOrigin)
		mirID := rowID(row, mirOrigin)
		usedMirror[mirOrigin][mirID] = true

		src, srcOK := allOf(srcOrigin)[srcID]
		if srcOK && src.IsMirror() {
			// The id now carries a marker; a mirror is never a source.
			srcOK = false
		}
		mirror, mirOK := allOf(mirOrigin)[mirID]

		if !srcOK {
			if mirOK {
				plan.deletes = append(plan.deletes, plannedDelete{target: mirOrigin, targetID: mirID, row: row})
			} else {
				plan.rowDeletes = append(plan.rowDeletes, row)
			}
			continue
		}
		consumed[srcOrigin][srcID] = true
		e.decidePair(plan, sum, row, src, mirror, mirOK)
	}

	// Rule b: marker-aware cross-lookup repairs lost mapping state.
	markerIndex := map[bridgecal.Origin]map[string]bridgecal.CanonicalEvent{
		bridgecal.OriginOutlook: {},
		bridgecal.OriginGoogle:  {},
	}
	for _, side := range []bridgecal.Origin{bridgecal.OriginOutlook, bridgecal.OriginGoogle} {
		for id, ev := range allOf(side) {
			if !ev.IsMirror() || usedMirror[side][id] || ev.Marker.SourceID == "" {
				continue
			}
			markerIndex[side][ev.Marker.SourceID] = ev
		}
	}

	// Rule c: remaining unmatched sources are new and get a create.
	for _, srcOrigin := range []bridgecal.Origin{bridgecal.OriginOutlook, bridgecal.OriginGoogle} {
		mirOrigin := srcOrigin.Opposite()
		ids := make([]string, 0)
		for id, ev := range allOf(srcOrigin) {
			if !ev.IsMirror() && !consumed[srcOrigin][id] {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			src := allOf(srcOrigin)[id]
			if mirror, ok := markerIndex[mirOrigin][id]; ok && mirror.Marker.OriginOfSource == srcOrigin {
				plan.rowUpserts = append(plan.rowUpserts, pairRow(src, mirror))
				continue
			}
			payload := e.mirrorPayload(src)
			plan.creates = append(plan.creates, plannedWrite{
				target:  mirOrigin,
				payload: payload,
				row:     createRow(src, payload),
			})
		}
	}
	return plan, nil
}

// decidePair applies the per-pair action table.
func (e *Engine) decidePair(plan *tickPlan, sum *Summary, row bridgecal.MappingRow, src, mirror bridgecal.CanonicalEvent, mirrorPresent bool) {
	srcFP := bridgecal.Fingerprint(src)
	payload := e.mirrorPayload(src)
	payloadFP := bridgecal.Fingerprint(payload)

	if !mirrorPresent {
		newRow := createRow(src, payload)
		write := plannedWrite{target: src.Origin.Opposite(), payload: payload, row: newRow}
		write.replaces = &row
		plan.creates = append(plan.creates, write)
		return
	}

	mirFP := bridgecal.Fingerprint(mirror)
	storedSrcFP := rowFingerprint(row, src.Origin)
	storedMirFP := rowFingerprint(row, mirror.Origin)
	// A stored fingerprint of zero is the first observation and counts as
	// unchanged.
	srcChanged := storedSrcFP != 0 && srcFP != storedSrcFP
	mirChanged := storedMirFP != 0 && mirFP != storedMirFP

	switch {
	case !srcChanged && !mirChanged:
		refreshed := refreshRow(row, src, mirror, srcFP, mirFP)
		if refreshed != row {
			plan.rowUpserts = append(plan.rowUpserts, refreshed)
		}
	case srcChanged != mirChanged:
		// Exactly one side moved; the mirror is rewritten to match the
		// source either way (the source is authoritative outside a
		// conflict).
		plan.updates = append(plan.updates, plannedWrite{
			target:   mirror.Origin,
			targetID: mirror.SourceID,
			payload:  payload,
			row:      refreshRow(row, src, mirror, srcFP, payloadFP),
		})
	default:
		sum.Conflicts++
		srcWins := e.sourceWinsConflict(row, src, mirror)
		winner := mirror.Origin
		if srcWins {
			winner = src.Origin
		}
		e.logf("conflict winner=%s pair_outlook=%s pair_google=%s src_modified=%s mirror_modified=%s",
			winner, row.OutlookID, row.GoogleID,
			formatLogTime(src.LastModified), formatLogTime(mirror.LastModified))
		if srcWins {
			plan.updates = append(plan.updates, plannedWrite{
				target:   mirror.Origin,
				targetID: mirror.SourceID,
				payload:  payload,
				row:      refreshRow(row, src, mirror, srcFP, payloadFP),
			})
			return
		}
		// The mirror is authoritative for this tick: the source event is
		// rewritten to match it. The row's origin is not changed.
		reverse := reversePayload(src, mirror)
		plan.updates = append(plan.updates, plannedWrite{
			target:   src.Origin,
			targetID: src.SourceID,
			payload:  reverse,
			row:      refreshRow(row, src, mirror, bridgecal.Fingerprint(reverse), mirFP),
		})
	}
}

// sourceWinsConflict implements last-write-wins with the Outlook tie-break:
// a missing timestamp, a timestamp equal to the stored value, or an exact
// tie all fall to whichever event lives on the Outlook side.
func (e *Engine) sourceWinsConflict(row bridgecal.MappingRow, src, mirror bridgecal.CanonicalEvent) bool {
	outlookWins := src.Origin == bridgecal.OriginOutlook
	if src.LastModified.IsZero() || mirror.LastModified.IsZero() {
		return outlookWins
	}
	if src.LastModified.Equal(rowModified(row, src.Origin)) ||
		mirror.LastModified.Equal(rowModified(row, mirror.Origin)) {
		return outlookWins
	}
	if src.LastModified.After(mirror.LastModified) {
		return true
	}
	if mirror.LastModified.After(src.LastModified) {
		return false
	}
	return outlookWins
}

// mirrorPayload builds the event written to the opposite side. Mirrors are
// always private and busy, carry the marker, and never carry attendees.
func (e *Engine) mirrorPayload(src bridgecal.CanonicalEvent) bridgecal.CanonicalEvent {
	out := src
	out.Origin = src.Origin.Opposite()
	out.SourceID = ""
	out.Busy = true
	out.Private = true
	out.LastModified = time.Time{}
	out.Marker = &bridgecal.MirrorMarker{OriginOfSource: src.Origin, SourceID: src.SourceID}
	if e.redaction == bridgecal.RedactionBusyOnly {
		out.Summary = "Busy"
		out.Location = ""
		out.Description = ""
	}
	return out
}

// reversePayload rewrites the source event to match a conflict-winning
// mirror. The target remains a source, so no marker is attached.
func reversePayload(src, mirror bridgecal.CanonicalEvent) bridgecal.CanonicalEvent {
	out := mirror
	out.Origin = src.Origin
	out.SourceID = src.SourceID
	out.LastModified = time.Time{}
	out.Marker = nil
	return out
}

func (e *Engine) execute(ctx context.Context, sum *Summary, plan *tickPlan, googleNextCursor string, now time.Time) error {
	adapterFor := func(o bridgecal.Origin) Adapter {
		if o == bridgecal.OriginOutlook {
			return e.outlook
		}
		return e.google
	}

	// Phase 1: deletes. Surviving calendar state stays a subset of intended
	// state, which makes interruption safe.
	var rowOps []func(bridgecal.Store) error
	for _, row := range plan.rowDeletes {
		row := row
		rowOps = append(rowOps, func(s bridgecal.Store) error { return s.Delete(row) })
	}
	for _, d := range plan.deletes {
		if err := ctx.Err(); err != nil {
			return err
		}
		adapter := adapterFor(d.target)
		if adapter.ReadOnly() {
			sum.Errors++
			e.logf("skipping delete target=%s id=%s err=adapter read-only", d.target, d.targetID)
			continue
		}
		if err := adapter.Delete(ctx, d.targetID); err != nil && !errors.Is(err, bridgecal.ErrNotFound) {
			if fatalWriteErr(err) {
				return fmt.Errorf("delete on %s: %w", d.target, err)
			}
			sum.Errors++
			e.logf("delete failed target=%s id=%s err=%v", d.target, d.targetID, err)
			continue
		}
		e.countDelete(sum, d.target)
		row := d.row
		rowOps = append(rowOps, func(s bridgecal.Store) error { return s.Delete(row) })
	}
	if err := e.checkpoint(rowOps); err != nil {
		return err
	}

	// Phase 2: updates.
	rowOps = nil
	for _, u := range plan.updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		adapter := adapterFor(u.target)
		if adapter.ReadOnly() {
			sum.Errors++
			e.logf("skipping update target=%s id=%s err=adapter read-only", u.target, u.targetID)
			continue
		}
		if err := adapter.Update(ctx, u.targetID, u.payload); err != nil && !errors.Is(err, bridgecal.ErrNotFound) {
			if fatalWriteErr(err) {
				return fmt.Errorf("update on %s: %w", u.target, err)
			}
			sum.Errors++
			e.logf("update failed target=%s id=%s err=%v", u.target, u.targetID, err)
			continue
		}
		e.countUpdate(sum, u.target)
		row := u.row
		rowOps = append(rowOps, func(s bridgecal.Store) error { return s.Upsert(row) })
	}
	if err := e.checkpoint(rowOps); err != nil {
		return err
	}

	// Phase 3: creates, then cursors.
	rowOps = nil
	for _, c := range plan.creates {
		if err := ctx.Err(); err != nil {
			return err
		}
		adapter := adapterFor(c.target)
		if adapter.ReadOnly() {
			sum.Errors++
			e.logf("skipping create target=%s err=adapter read-only", c.target)
			continue
		}
		newID, err := adapter.Create(ctx, c.payload)
		if err != nil {
			if fatalWriteErr(err) {
				return fmt.Errorf("create on %s: %w", c.target, err)
			}
			sum.Errors++
			e.logf("create failed target=%s err=%v", c.target, err)
			continue
		}
		e.countCreate(sum, c.target)
		row := c.row
		if c.target == bridgecal.OriginOutlook {
			row.OutlookID = newID
		} else {
			row.GoogleID = newID
		}
		replaces := c.replaces
		rowOps = append(rowOps, func(s bridgecal.Store) error {
			if replaces != nil {
				if err := s.Delete(*replaces); err != nil {
					return err
				}
			}
			return s.Upsert(row)
		})
	}
	for _, row := range plan.rowUpserts {
		row := row
		rowOps = append(rowOps, func(s bridgecal.Store) error { return s.Upsert(row) })
	}
	if googleNextCursor != "" {
		rowOps = append(rowOps, func(s bridgecal.Store) error {
			return s.SetCursor(bridgecal.CursorGoogleSyncToken, googleNextCursor)
		})
	}
	rowOps = append(rowOps, func(s bridgecal.Store) error {
		return s.SetCursor(bridgecal.CursorLastOutlookScanAt, now.Format(time.RFC3339))
	})
	return e.checkpoint(rowOps)
}

// fatalWriteErr reports whether a write failure must abort the tick rather
// than be skipped: credential and configuration failures are fatal for the
// process, transient adapter failures are not.
func fatalWriteErr(err error) bool {
	return errors.Is(err, bridgecal.ErrAuth) || errors.Is(err, bridgecal.ErrConfig)
}

// checkpoint commits one execution phase's mapping mutations atomically.
func (e *Engine) checkpoint(ops []func(bridgecal.Store) error) error {
	if len(ops) == 0 {
		return nil
	}
	return e.store.Transaction(func(s bridgecal.Store) error {
		for _, op := range ops {
			if err := op(s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) countCreate(sum *Summary, target bridgecal.Origin) {
	if target == bridgecal.OriginOutlook {
		sum.CreatedOutlook++
	} else {
		sum.CreatedGoogle++
	}
}

func (e *Engine) countUpdate(sum *Summary, target bridgecal.Origin) {
	if target == bridgecal.OriginOutlook {
		sum.UpdatedOutlook++
	} else {
		sum.UpdatedGoogle++
	}
}

func (e *Engine) countDelete(sum *Summary, target bridgecal.Origin) {
	if target == bridgecal.OriginOutlook {
		sum.DeletedOutlook++
	} else {
		sum.DeletedGoogle++
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func rowID(row bridgecal.MappingRow, side bridgecal.Origin) string {
	if side == bridgecal.OriginOutlook {
		return row.OutlookID
	}
	return row.GoogleID
}

func rowFingerprint(row bridgecal.MappingRow, side bridgecal.Origin) uint64 {
	if side == bridgecal.OriginOutlook {
		return row.LastOutlookFingerprint
	}
	return row.LastGoogleFingerprint
}

func rowModified(row bridgecal.MappingRow, side bridgecal.Origin) time.Time {
	if side == bridgecal.OriginOutlook {
		return row.LastOutlookModified
	}
	return row.LastGoogleModified
}

// refreshRow records the fingerprints and timestamps a completed action
// leaves behind on each side.
func refreshRow(row bridgecal.MappingRow, src, mirror bridgecal.CanonicalEvent, srcFP, mirFP uint64) bridgecal.MappingRow {
	out := row
	setSide(&out, src.Origin, srcFP, src.LastModified)
	setSide(&out, mirror.Origin, mirFP, mirror.LastModified)
	return out
}

func setSide(row *bridgecal.MappingRow, side bridgecal.Origin, fp uint64, modified time.Time) {
	if side == bridgecal.OriginOutlook {
		row.LastOutlookFingerprint = fp
		row.LastOutlookModified = modified.UTC().Truncate(time.Second)
	} else {
		row.LastGoogleFingerprint = fp
		row.LastGoogleModified = modified.UTC().Truncate(time.Second)
	}
}

// createRow is the mapping row born when a mirror is created for src. The
// created side's id is filled in after the adapter returns it.
func createRow(src bridgecal.CanonicalEvent, payload bridgecal.CanonicalEvent) bridgecal.MappingRow {
	var row bridgecal.MappingRow
	row.Origin = src.Origin
	if src.Origin == bridgecal.OriginOutlook {
		row.OutlookID = src.SourceID
	} else {
		row.GoogleID = src.SourceID
	}
	setSide(&row, src.Origin, bridgecal.Fingerprint(src), src.LastModified)
	setSide(&row, payload.Origin, bridgecal.Fingerprint(payload), time.Time{})
	return row
}

// pairRow adopts a pair recovered via marker cross-lookup.
func pairRow(src, mirror bridgecal.CanonicalEvent) bridgecal.MappingRow {
	var row bridgecal.MappingRow
	row.Origin = src.Origin
	if src.Origin == bridgecal.OriginOutlook {
		row.OutlookID = src.SourceID
		row.GoogleID = mirror.SourceID
	} else {
		row.GoogleID = src.SourceID
		row.OutlookID = mirror.SourceID
	}
	setSide(&row, src.Origin, bridgecal.Fingerprint(src), src.LastModified)
	setSide(&row, mirror.Origin, bridgecal.Fingerprint(mirror), mirror.LastModified)
	return row
}

func formatLogTime(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
