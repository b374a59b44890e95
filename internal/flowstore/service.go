package flowstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/metrics"
)

// Service stores, versions and publishes flows. A document is only stored
// once it parses and plans cleanly.
type Service struct {
	repo     Repository
	registry *Registry
	bus      eventbus.Bus
	clock    func() time.Time
	log      *slog.Logger
}

type Options struct {
	// Bus receives flow.* lifecycle events when set.
	Bus    eventbus.Bus
	Now    func() time.Time
	Logger *slog.Logger
}

func NewService(repo Repository, registry *Registry, opts Options) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		registry: registry,
		bus:      opts.Bus,
		clock:    opts.Now,
		log:      opts.Logger.With("component", "flowstore"),
	}
}

// StoreFlow parses doc (JSON or YAML), plans it and saves it as an
// unpublished version. Re-storing an existing version replaces its document.
func (s *Service) StoreFlow(ctx context.Context, tenantID, createdBy string, doc []byte) (Version, error) {
	if tenantID == "" {
		return Version{}, ErrInvalidArgument
	}
	f, plan, err := flow.ParseAndPlan(doc)
	if err != nil {
		metrics.FlowLoadFailuresTotal.WithLabelValues(loadFailureKind(err)).Inc()
		return Version{}, err
	}
	normalized, err := flow.SerializeFlow(f)
	if err != nil {
		return Version{}, fmt.Errorf("flowstore: serialize: %w", err)
	}

	v, err := s.repo.UpsertVersion(ctx, Version{
		TenantID:  tenantID,
		FlowID:    f.ID,
		Version:   f.Version,
		Name:      f.Name,
		Document:  normalized,
		CreatedBy: createdBy,
		UpdatedAt: s.clock().UTC(),
	})
	if err != nil {
		return Version{}, fmt.Errorf("flowstore: store %s v%d: %w", f.ID, f.Version, err)
	}
	s.registry.Put(tenantID, f.ID, f.Version, plan)
	s.announce(ctx, eventbus.EventFlowStored, v)
	return v, nil
}

func (s *Service) GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (Version, error) {
	return s.repo.GetVersion(ctx, tenantID, flowID, version)
}

func (s *Service) ListVersions(ctx context.Context, tenantID, flowID string) ([]Version, error) {
	return s.repo.ListVersions(ctx, tenantID, flowID)
}

func (s *Service) ListFlows(ctx context.Context, tenantID string) ([]string, error) {
	return s.repo.ListFlows(ctx, tenantID)
}

func (s *Service) PublishFlow(ctx context.Context, tenantID, flowID string, version int) (Version, error) {
	v, err := s.repo.Publish(ctx, tenantID, flowID, version, s.clock().UTC())
	if err != nil {
		return Version{}, err
	}
	s.log.InfoContext(ctx, "flow published", "tenant_id", tenantID, "flow_id", flowID, "version", version)
	s.announce(ctx, eventbus.EventFlowPublished, v)
	return v, nil
}

// Rollback republishes an earlier version.
func (s *Service) Rollback(ctx context.Context, tenantID, flowID string, target int) (Version, error) {
	v, err := s.repo.Publish(ctx, tenantID, flowID, target, s.clock().UTC())
	if err != nil {
		return Version{}, err
	}
	s.log.InfoContext(ctx, "flow rolled back", "tenant_id", tenantID, "flow_id", flowID, "version", target)
	s.announce(ctx, eventbus.EventFlowRolledBack, v)
	return v, nil
}

func (s *Service) GetPublishedFlow(ctx context.Context, tenantID, flowID string) (Version, error) {
	return s.repo.GetPublished(ctx, tenantID, flowID)
}

func (s *Service) DeleteVersion(ctx context.Context, tenantID, flowID string, version int) (bool, error) {
	ok, err := s.repo.DeleteVersion(ctx, tenantID, flowID, version)
	if ok {
		s.registry.Invalidate(tenantID, flowID, version)
	}
	return ok, err
}

// PublishedPlan resolves the plan a new call on flowID should run.
func (s *Service) PublishedPlan(ctx context.Context, tenantID, flowID string) (*flow.ExecutionPlan, error) {
	v, err := s.repo.GetPublished(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	return s.plan(v)
}

// Plan resolves a specific version, used to resume calls that started on it.
func (s *Service) Plan(ctx context.Context, tenantID, flowID string, version int) (*flow.ExecutionPlan, error) {
	v, err := s.repo.GetVersion(ctx, tenantID, flowID, version)
	if err != nil {
		return nil, err
	}
	return s.plan(v)
}

func (s *Service) plan(v Version) (*flow.ExecutionPlan, error) {
	p, err := s.registry.Plan(v)
	if err != nil {
		metrics.FlowLoadFailuresTotal.WithLabelValues(loadFailureKind(err)).Inc()
		return nil, fmt.Errorf("flowstore: %s v%d: %w", v.FlowID, v.Version, err)
	}
	return p, nil
}

func (s *Service) announce(ctx context.Context, event string, v Version) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.Publish(ctx, eventbus.ChannelFlow, eventbus.Payload{
		Event:    event,
		TenantID: v.TenantID,
		Data: map[string]any{
			"flowId":    v.FlowID,
			"version":   v.Version,
			"published": v.Published,
		},
	})
	if err != nil {
		s.log.WarnContext(ctx, "flow event publish failed", "event", event, "flow_id", v.FlowID, "err", err)
	}
}

func loadFailureKind(err error) string {
	var (
		se *flow.SchemaError
		pe *flow.ParseError
		re *flow.ReferenceError
	)
	switch {
	case errors.As(err, &se):
		return "schema"
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &re):
		return "reference"
	}
	return "other"
}
