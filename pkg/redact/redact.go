// Package redact applies machine-rule pixel redaction and PHI remediation
// through the session's optimistic concurrency path.
//
// The pixel work itself is delegated to a pluggable PixelTransform: this
// package decides WHICH instances to touch and commits the results, it
// never interprets imaging payloads.
package redact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/session"
	"github.com/gantryproj/gantry/pkg/store"
)

// PixelTransform blanks the given zones in a payload and returns the new
// payload bytes. Implementations live outside the core (the imaging codec
// knows the pixel layout; this package does not).
type PixelTransform interface {
	Apply(payload []byte, zones []model.RedactionZone) ([]byte, error)
}

// maxCommitRetries bounds the CAS retry loop per instance. A conflict means
// another worker advanced the version; the loser re-reads and re-applies.
const maxCommitRetries = 5

// Service runs machine-rule redaction over a session.
type Service struct {
	sess      *session.Session
	transform PixelTransform
	workers   int
}

// NewService builds a redaction service. workers <= 0 means serial.
func NewService(sess *session.Session, transform PixelTransform, workers int) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{sess: sess, transform: transform, workers: workers}
}

// RulePreview reports what one rule would touch, without mutating anything.
type RulePreview struct {
	Rule      model.MachineRule
	Instances int
	Series    int
}

// Preview is the dry run: it resolves each rule against the stored series
// and counts the instances a real Apply would rewrite.
func (s *Service) Preview(rules []model.MachineRule) ([]RulePreview, error) {
	matches, err := s.matchRules(rules)
	if err != nil {
		return nil, err
	}

	previews := make([]RulePreview, len(rules))
	for i, rule := range rules {
		previews[i].Rule = rule
		m := matches[rule.SerialNumber]
		previews[i].Series = len(m.seriesUIDs)
		previews[i].Instances = len(m.instanceUIDs)
	}
	return previews, nil
}

// Result summarizes one Apply run.
type Result struct {
	Redacted  int
	Conflicts int // CAS losses that were retried successfully
}

// Apply rewrites the payload of every instance matched by a rule, blanking
// the rule's zones. Each instance goes through the compare-and-swap commit
// path: concurrent writers are safe, conflicting commits retry against the
// fresh version.
func (s *Service) Apply(ctx context.Context, rules []model.MachineRule) (*Result, error) {
	if s.transform == nil {
		return nil, fmt.Errorf("redact: no pixel transform configured")
	}

	matches, err := s.matchRules(rules)
	if err != nil {
		return nil, err
	}

	type job struct {
		instanceUID string
		zones       []model.RedactionZone
	}
	var jobs []job
	for _, rule := range rules {
		for _, uid := range matches[rule.SerialNumber].instanceUIDs {
			jobs = append(jobs, job{instanceUID: uid, zones: rule.Zones})
		}
	}

	var (
		mu     sync.Mutex
		result Result
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			retried, err := s.redactOne(ctx, j.instanceUID, j.zones)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Redacted++
			result.Conflicts += retried
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("redaction complete", "instances", result.Redacted,
		"conflicts", result.Conflicts)
	return &result, nil
}

// redactOne applies zones to one instance with CAS retry. Returns how many
// conflicts were absorbed.
func (s *Service) redactOne(ctx context.Context, instanceUID string, zones []model.RedactionZone) (int, error) {
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return retries, err
		}

		inst, err := s.sess.Instance(instanceUID)
		if err != nil {
			return retries, err
		}

		payload, err := s.sess.ReadPayload(instanceUID)
		if err != nil {
			return retries, fmt.Errorf("read payload %s: %w", instanceUID, err)
		}

		redacted, err := s.transform.Apply(payload, zones)
		if err != nil {
			return retries, fmt.Errorf("transform %s: %w", instanceUID, err)
		}

		_, err = s.sess.CommitPayload(instanceUID, redacted, inst.Version)
		if err == nil {
			return retries, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return retries, err
		}
		retries++
		if retries > maxCommitRetries {
			return retries, fmt.Errorf("instance %s: %w after %d retries",
				instanceUID, store.ErrConflict, maxCommitRetries)
		}
	}
}

type ruleMatch struct {
	seriesUIDs   []string
	instanceUIDs []string
}

// matchRules resolves rules to concrete series and instances. A rule
// matches a series on device serial number; manufacturer and model, when
// set on the rule, must also agree.
func (s *Service) matchRules(rules []model.MachineRule) (map[string]*ruleMatch, error) {
	bySerial := make(map[string]model.MachineRule, len(rules))
	for _, r := range rules {
		bySerial[r.SerialNumber] = r
	}

	matches := make(map[string]*ruleMatch)
	seriesToSerial := make(map[string]string)

	series, err := s.sess.Store().ListSeries()
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	for _, se := range series {
		rule, ok := bySerial[se.DeviceSerialNumber]
		if !ok {
			continue
		}
		if rule.Manufacturer != "" && rule.Manufacturer != se.Manufacturer {
			continue
		}
		if rule.ModelName != "" && rule.ModelName != se.ModelName {
			continue
		}
		m := matches[rule.SerialNumber]
		if m == nil {
			m = &ruleMatch{}
			matches[rule.SerialNumber] = m
		}
		m.seriesUIDs = append(m.seriesUIDs, se.SeriesUID)
		seriesToSerial[se.SeriesUID] = rule.SerialNumber
	}

	err = s.sess.EachInstance(func(inst *model.Instance) bool {
		serial, ok := seriesToSerial[inst.SeriesUID]
		if !ok {
			return true
		}
		if !inst.Payload.Valid() {
			return true
		}
		m := matches[serial]
		m.instanceUIDs = append(m.instanceUIDs, inst.InstanceUID)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}
	return matches, nil
}
