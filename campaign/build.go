package campaign

import (
	"encoding/json"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

// Artifacts is one immutable snapshot of everything compiled from the
// enabled scheme set and the active decoder manifest. Subscribers receive it
// whole and must never mutate it.
type Artifacts struct {
	Inspection *schema.InspectionMatrix
	Fetch      *schema.FetchMatrix
	Dictionary *schema.DecoderDictionary
	RawBuffer  []schema.RawBufferSignalConfig
	// Enabled holds the schemes the snapshot was built from, for consumers
	// that need campaign-level configuration such as stream partitions.
	Enabled []*schema.CollectionScheme
}

// buildArtifacts compiles |enabled| against |manifest|. Schemes whose signal
// settings conflict with the already-merged set are excluded with an error
// log; signals a scheme names but the manifest cannot decode are dropped
// with one aggregated warning per scheme.
func buildArtifacts(
	enabled []*schema.CollectionScheme,
	manifest *schema.DecoderManifest,
	logger ops.Logger,
) *Artifacts {
	var arena = new(schema.ExprArena)
	var im = &schema.InspectionMatrix{Arena: arena}
	var fm = &schema.FetchMatrix{Arena: arena}

	// Union of per-signal buffer requirements across schemes.
	var specs = make(map[schema.SignalID]*schema.SignalBufferSpec)
	var kept []*schema.CollectionScheme

	for _, scheme := range enabled {
		var dropped []schema.SignalID
		var candidate = make(map[schema.SignalID]schema.SignalBufferSpec)

		// Window widths demanded by the scheme's condition expressions.
		var schemeArena, schemeRoot = scheme.Condition()
		var windows = make(map[schema.SignalID]int64)
		if err := schemeArena.WindowReads(schemeRoot, windows); err != nil {
			logger.Log(log.ErrorLevel, log.Fields{
				"campaign": scheme.SyncID(),
				"error":    err.Error(),
			}, "scheme excluded from inspection matrix")
			continue
		}

		var conflict error
		for _, info := range scheme.Signals() {
			if !manifest.HasSignal(info.SignalID) && info.SignalID.Kind() != schema.KindInternal {
				dropped = append(dropped, info.SignalID)
				continue
			}
			var want = schema.SignalBufferSpec{
				SignalID:            info.SignalID,
				SampleBufferSize:    info.SampleBufferSize,
				MinSampleIntervalMs: info.MinSampleIntervalMs,
				FixedWindowMs:       info.FixedWindowMs,
				ValueType:           manifest.ValueTypeOf(info.SignalID),
			}
			if w, ok := windows[info.SignalID]; ok {
				if want.FixedWindowMs != 0 && want.FixedWindowMs != w {
					conflict = fmt.Errorf("signal %d declares window %d but condition reads %d",
						info.SignalID, want.FixedWindowMs, w)
					break
				}
				want.FixedWindowMs = w
			}
			if prev, ok := specs[info.SignalID]; ok &&
				prev.FixedWindowMs != 0 && want.FixedWindowMs != 0 &&
				prev.FixedWindowMs != want.FixedWindowMs {
				conflict = fmt.Errorf("signal %d windows %d and %d disagree across schemes",
					info.SignalID, prev.FixedWindowMs, want.FixedWindowMs)
				break
			}
			candidate[info.SignalID] = want
		}
		if conflict != nil {
			logger.Log(log.ErrorLevel, log.Fields{
				"campaign": scheme.SyncID(),
				"error":    conflict.Error(),
			}, "scheme excluded from inspection matrix")
			continue
		}
		if len(dropped) > 0 {
			logger.Log(log.WarnLevel, log.Fields{
				"campaign": scheme.SyncID(),
				"signals":  dropped,
			}, "signals absent from decoder manifest dropped from collection")
		}

		// Merge the candidate into the union under the tie-break rules:
		// buffer size takes the max, sample interval the min, windows agree.
		for id, want := range candidate {
			var prev, ok = specs[id]
			if !ok {
				var cp = want
				specs[id] = &cp
				continue
			}
			if want.SampleBufferSize > prev.SampleBufferSize {
				prev.SampleBufferSize = want.SampleBufferSize
			}
			if want.MinSampleIntervalMs < prev.MinSampleIntervalMs {
				prev.MinSampleIntervalMs = want.MinSampleIntervalMs
			}
			if prev.FixedWindowMs == 0 {
				prev.FixedWindowMs = want.FixedWindowMs
			}
		}
		kept = append(kept, scheme)

		// Graft the scheme's condition into the shared arena and record its
		// metadata row.
		var root = graft(arena, schemeArena, schemeRoot)
		var needed = make(map[schema.SignalID]struct{})
		arena.ReferencedSignals(root, needed)

		var meta = schema.ConditionWithMetadata{
			CampaignID:        scheme.SyncID(),
			CampaignName:      scheme.CampaignName(),
			DecoderID:         scheme.DecoderManifestID(),
			Root:              root,
			MinPublishMs:      scheme.MinPublishIntervalMs(),
			AfterDurationMs:   scheme.AfterDurationMs(),
			RisingEdgeOnly:    scheme.RisingEdgeOnly(),
			Priority:          scheme.Priority(),
			Persist:           scheme.Persist(),
			Compress:          scheme.Compress(),
			IncludeActiveDTCs: scheme.IncludeActiveDTCs(),
			HasPartitions:     scheme.HasPartitions(),
		}
		for id := range needed {
			meta.SignalsNeeded = append(meta.SignalsNeeded, id)
		}
		sort.Slice(meta.SignalsNeeded, func(i, j int) bool {
			return meta.SignalsNeeded[i] < meta.SignalsNeeded[j]
		})
		for _, info := range scheme.Signals() {
			if _, ok := candidate[info.SignalID]; !ok {
				continue
			}
			meta.Collected = append(meta.Collected, schema.CollectedSignalSpec{
				SignalID:         info.SignalID,
				SampleBufferSize: info.SampleBufferSize,
				ConditionOnly:    info.ConditionOnly,
				Partition:        scheme.PartitionOf(info.SignalID),
			})
		}
		im.Conditions = append(im.Conditions, meta)

		compileFetches(fm, scheme, logger)
	}

	// Signals read by conditions but not collected still need buffers.
	for _, meta := range im.Conditions {
		for _, id := range meta.SignalsNeeded {
			if _, ok := specs[id]; !ok {
				specs[id] = &schema.SignalBufferSpec{
					SignalID:         id,
					SampleBufferSize: 1,
					ValueType:        manifest.ValueTypeOf(id),
				}
			}
		}
	}
	for _, spec := range specs {
		im.Signals = append(im.Signals, *spec)
	}
	sort.Slice(im.Signals, func(i, j int) bool {
		return im.Signals[i].SignalID < im.Signals[j].SignalID
	})

	return &Artifacts{
		Inspection: im,
		Fetch:      fm,
		Dictionary: buildDictionary(manifest, im, fm),
		RawBuffer:  buildRawBufferConfigs(kept, im),
		Enabled:    kept,
	}
}

// graft copies the subtree at |root| of |src| into |dst|, returning the new
// root index.
func graft(dst, src *schema.ExprArena, root int) int {
	var node = *src.Node(root)
	switch node.Kind {
	case schema.NodeUnary:
		node.Left = graft(dst, src, node.Left)
	case schema.NodeBinary:
		node.Left = graft(dst, src, node.Left)
		node.Right = graft(dst, src, node.Right)
	case schema.NodeCall:
		var args = make([]int, len(node.Args))
		for i, arg := range node.Args {
			args[i] = graft(dst, src, arg)
		}
		node.Args = args
	}
	return dst.Append(node)
}

// compileFetches compiles |scheme|'s fetch plan into |fm|.
func compileFetches(fm *schema.FetchMatrix, scheme *schema.CollectionScheme, logger ops.Logger) {
	for _, req := range scheme.Fetches() {
		var compiled = schema.CompiledFetch{
			RequestID: req.RequestID,
			SignalID:  req.SignalID,
		}
		for _, action := range req.Actions {
			var args = make([]schema.Value, 0, len(action.Args))
			for _, raw := range action.Args {
				args = append(args, literalValue(raw))
			}
			compiled.Actions = append(compiled.Actions, schema.CompiledFetchAction{
				FuncName: action.FuncName,
				Args:     args,
			})
		}
		if req.PeriodMs > 0 {
			compiled.Periodic = true
			compiled.Schedule = schema.FetchSchedule{
				MaxExecutions:   req.MaxExecutions,
				PeriodMs:        req.PeriodMs,
				ResetIntervalMs: req.ResetIntervalMs,
			}
		} else {
			var root, err = schema.CompileCondition(fm.Arena, req.Condition)
			if err != nil {
				logger.Log(log.ErrorLevel, log.Fields{
					"campaign": scheme.SyncID(),
					"request":  req.RequestID,
					"error":    err.Error(),
				}, "fetch request excluded from fetch matrix")
				continue
			}
			compiled.ConditionRoot = root
			compiled.RisingEdgeOnly = req.RisingEdgeOnly
		}
		fm.Requests = append(fm.Requests, compiled)
	}
}

// literalValue decodes a literal fetch argument.
func literalValue(raw json.RawMessage) schema.Value {
	var doc struct {
		Bool *bool    `json:"bool"`
		Num  *float64 `json:"num"`
		Str  *string  `json:"str"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schema.UndefinedValue
	}
	switch {
	case doc.Bool != nil:
		return schema.Bool(*doc.Bool)
	case doc.Num != nil:
		return schema.Num(*doc.Num)
	case doc.Str != nil:
		return schema.Str(*doc.Str)
	default:
		return schema.UndefinedValue
	}
}

// buildDictionary projects |manifest| through the signals required by the
// inspection and fetch matrices.
func buildDictionary(
	manifest *schema.DecoderManifest,
	im *schema.InspectionMatrix,
	fm *schema.FetchMatrix,
) *schema.DecoderDictionary {
	var required = make(map[schema.SignalID]struct{})
	for _, spec := range im.Signals {
		required[spec.SignalID] = struct{}{}
	}
	for _, req := range fm.Requests {
		required[req.SignalID] = struct{}{}
	}

	var dict = &schema.DecoderDictionary{
		DecoderID:    manifest.SyncID(),
		Frames:       make(map[schema.InterfaceID]map[uint32]schema.FrameFormat),
		PIDs:         make(map[schema.SignalID]schema.PIDFormat),
		Custom:       make(map[schema.SignalID]schema.CustomFormat),
		NamedSignals: make(map[string]schema.SignalID),
	}

	for id := range required {
		if pid, ok := manifest.PIDOf(id); ok {
			dict.PIDs[id] = pid
			continue
		}
		if custom, ok := manifest.CustomOf(id); ok {
			dict.Custom[id] = custom
			dict.NamedSignals[custom.Key] = id
			continue
		}
		var ref, ok = manifest.FrameOf(id)
		if !ok {
			continue
		}
		var frame, _ = manifest.FrameFormatOf(ref.Interface, ref.FrameID)
		if dict.Frames[ref.Interface] == nil {
			dict.Frames[ref.Interface] = make(map[uint32]schema.FrameFormat)
		}
		// Only the required signals of the frame are listed; the frame
		// length is kept, since adapters need it to decode the frame.
		var projected = schema.FrameFormat{Length: frame.Length}
		for _, sig := range frame.Signals {
			if _, need := required[sig.SignalID]; need {
				projected.Signals = append(projected.Signals, sig)
			}
		}
		dict.Frames[ref.Interface][ref.FrameID] = projected
	}
	return dict
}

// buildRawBufferConfigs derives the raw buffer sizing for every variable-
// size signal in the matrix, taking the most generous override across
// schemes.
func buildRawBufferConfigs(
	enabled []*schema.CollectionScheme,
	im *schema.InspectionMatrix,
) []schema.RawBufferSignalConfig {
	var out []schema.RawBufferSignalConfig
	for _, spec := range im.Signals {
		if !spec.ValueType.IsBufferBacked() {
			continue
		}
		var cfg = schema.RawBufferSignalConfig{SignalID: spec.SignalID}
		for _, scheme := range enabled {
			if info, ok := scheme.SignalInfo(spec.SignalID); ok {
				if info.MaxBytes > cfg.MaxBytes {
					cfg.MaxBytes = info.MaxBytes
				}
				if info.ReservedBytes > cfg.ReservedBytes {
					cfg.ReservedBytes = info.ReservedBytes
				}
				if info.MaxSamples > cfg.MaxSamples {
					cfg.MaxSamples = info.MaxSamples
				}
			}
		}
		if cfg.MaxSamples < spec.SampleBufferSize {
			cfg.MaxSamples = spec.SampleBufferSize
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}
