package composition

import (
	"context"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
)

// Events served by the composition service.
const (
	EventGet          = "composition:get"
	EventList         = "composition:list"
	EventReload       = "composition:reload"
	EventRebuildIndex = "composition:rebuild_index"
)

// Service exposes the loader over events.
type Service struct {
	loader *Loader
}

// NewService wraps a loader.
func NewService(loader *Loader) *Service { return &Service{loader: loader} }

// Register installs the composition event handlers.
func (s *Service) Register(r *router.Router) {
	r.MustRegister(EventGet, router.HandlerSpec{
		Summary: "Resolve one component, with optional variable substitution.",
		Params: []router.ParamSpec{
			{Name: "name", Type: "string", Required: true},
			{Name: "version", Type: "string"},
			{Name: "variables", Type: "object"},
		},
	}, s.handleGet)

	r.MustRegister(EventList, router.HandlerSpec{
		Summary: "List indexed components.",
		Params: []router.ParamSpec{
			{Name: "type", Type: "string",
				AllowedValues: []any{TypeProfile, TypeBehavior, TypePattern, TypeTransformerSet}},
		},
	}, s.handleList)

	r.MustRegister(EventReload, router.HandlerSpec{
		Summary: "Drop the resolution cache and re-index the composition tree.",
	}, s.handleReload)

	r.MustRegister(EventRebuildIndex, router.HandlerSpec{
		Summary: "Re-index the composition tree without dropping the cache.",
	}, s.handleRebuildIndex)
}

func (s *Service) handleGet(ctx context.Context, inv *router.Invocation) (any, error) {
	name, _ := inv.Data["name"].(string)
	version, _ := inv.Data["version"].(string)
	vars, _ := inv.Data["variables"].(map[string]any)

	if vars != nil {
		return s.loader.Load(name, version, vars)
	}
	return s.loader.Resolve(name, version)
}

func (s *Service) handleList(ctx context.Context, inv *router.Invocation) (any, error) {
	componentType, _ := inv.Data["type"].(string)
	entries, err := s.loader.List(componentType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"components": entries, "count": len(entries)}, nil
}

func (s *Service) handleReload(ctx context.Context, inv *router.Invocation) (any, error) {
	count, err := s.loader.Reload()
	if err != nil {
		return nil, models.AsError(err)
	}
	return map[string]any{"indexed": count}, nil
}

func (s *Service) handleRebuildIndex(ctx context.Context, inv *router.Invocation) (any, error) {
	count, err := s.loader.RebuildIndex()
	if err != nil {
		return nil, models.AsError(err)
	}
	return map[string]any{"indexed": count}, nil
}
