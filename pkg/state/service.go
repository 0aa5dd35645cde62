// Package state exposes the durable store over events: a typed entity
// graph plus a namespaced key/value view. Mutations require the
// state_write capability when they come from an agent.
package state

import (
	"context"

	"github.com/ksi-project/ksi/pkg/models"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/store"
)

// Events served by the state service.
const (
	EventEntityCreate = "state:entity:create"
	EventEntityGet    = "state:entity:get"
	EventEntityUpdate = "state:entity:update"
	EventEntityDelete = "state:entity:delete"

	EventRelCreate = "state:relationship:create"
	EventRelDelete = "state:relationship:delete"

	EventGet    = "state:get"
	EventSet    = "state:set"
	EventDelete = "state:delete"
	EventList   = "state:list"

	EventTraverse = "state:graph:traverse"
)

// kvNamespacePrefix keeps agent key/value data away from the daemon's own
// namespaces (requests, sessions, compositions).
const kvNamespacePrefix = "user:"

// Service is a thin handler layer over the store.
type Service struct {
	store *store.Store
}

// NewService wraps a store.
func NewService(st *store.Store) *Service { return &Service{store: st} }

// Register installs the state event handlers.
func (s *Service) Register(r *router.Router) {
	entityRefParams := []router.ParamSpec{
		{Name: "type", Type: "string", Required: true},
		{Name: "id", Type: "string", Required: true},
	}

	r.MustRegister(EventEntityCreate, router.HandlerSpec{
		Summary:    "Create a typed entity.",
		Capability: models.CapStateWrite,
		Params: append(entityRefParams,
			router.ParamSpec{Name: "properties", Type: "object"}),
	}, s.handleEntityCreate)

	r.MustRegister(EventEntityGet, router.HandlerSpec{
		Summary: "Fetch an entity.",
		Params:  entityRefParams,
	}, s.handleEntityGet)

	r.MustRegister(EventEntityUpdate, router.HandlerSpec{
		Summary:    "Merge or replace an entity's properties; a null value deletes the key.",
		Capability: models.CapStateWrite,
		Params: append(entityRefParams,
			router.ParamSpec{Name: "properties", Type: "object", Required: true},
			router.ParamSpec{Name: "merge", Type: "boolean", Description: "Defaults to true."}),
	}, s.handleEntityUpdate)

	r.MustRegister(EventEntityDelete, router.HandlerSpec{
		Summary:    "Delete an entity, cascading over owning relationships.",
		Capability: models.CapStateWrite,
		Params: append(entityRefParams,
			router.ParamSpec{Name: "cascade", Type: "boolean"}),
	}, s.handleEntityDelete)

	relParams := []router.ParamSpec{
		{Name: "from", Type: "object", Required: true},
		{Name: "kind", Type: "string", Required: true},
		{Name: "to", Type: "object", Required: true},
	}
	r.MustRegister(EventRelCreate, router.HandlerSpec{
		Summary:    "Create a relationship edge between two entities.",
		Capability: models.CapStateWrite,
		Params: append(relParams,
			router.ParamSpec{Name: "owning", Type: "boolean"},
			router.ParamSpec{Name: "properties", Type: "object"}),
	}, s.handleRelCreate)

	r.MustRegister(EventRelDelete, router.HandlerSpec{
		Summary:    "Delete a relationship edge.",
		Capability: models.CapStateWrite,
		Params:     relParams,
	}, s.handleRelDelete)

	kvParams := []router.ParamSpec{
		{Name: "namespace", Type: "string", Required: true},
		{Name: "key", Type: "string", Required: true},
	}
	r.MustRegister(EventGet, router.HandlerSpec{
		Summary: "Read a key.",
		Params:  kvParams,
	}, s.handleGet)
	r.MustRegister(EventSet, router.HandlerSpec{
		Summary:    "Write a key.",
		Capability: models.CapStateWrite,
		Params: append(kvParams,
			router.ParamSpec{Name: "value", Required: true, Description: "Any JSON value."}),
	}, s.handleSet)
	r.MustRegister(EventDelete, router.HandlerSpec{
		Summary:    "Delete a key; missing keys are fine.",
		Capability: models.CapStateWrite,
		Params:     kvParams,
	}, s.handleDelete)
	r.MustRegister(EventList, router.HandlerSpec{
		Summary: "List keys in a namespace, glob-filtered and paginated.",
		Params: []router.ParamSpec{
			{Name: "namespace", Type: "string", Required: true},
			{Name: "glob", Type: "string"},
			{Name: "limit", Type: "integer"},
			{Name: "after", Type: "string", Description: "Continuation token."},
		},
	}, s.handleList)

	r.MustRegister(EventTraverse, router.HandlerSpec{
		Summary: "Breadth-first walk of the entity graph from a start node.",
		Params: append(entityRefParams,
			router.ParamSpec{Name: "max_depth", Type: "integer"},
			router.ParamSpec{Name: "kind", Type: "string"},
			router.ParamSpec{Name: "limit", Type: "integer"}),
	}, s.handleTraverse)
}

func entityRef(data map[string]any) (models.EntityRef, error) {
	t, _ := data["type"].(string)
	id, _ := data["id"].(string)
	if t == "" || id == "" {
		return models.EntityRef{}, models.NewError(models.KindInvalidArgument,
			"type and id are required")
	}
	return models.EntityRef{Type: t, ID: id}, nil
}

func refFromValue(v any, field string) (models.EntityRef, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return models.EntityRef{}, models.NewError(models.KindInvalidArgument,
			"%s must be an object with type and id", field)
	}
	return entityRef(m)
}

func mapStoreErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case store.IsNotFound(err):
		return models.NewError(models.KindNotFound, "%s not found", what)
	case store.IsConflict(err):
		return models.NewError(models.KindConflict, "%s already exists", what)
	default:
		return models.WrapError(models.KindIO, err, "%s", what)
	}
}

func (s *Service) handleEntityCreate(ctx context.Context, inv *router.Invocation) (any, error) {
	ref, err := entityRef(inv.Data)
	if err != nil {
		return nil, err
	}
	props, _ := inv.Data["properties"].(map[string]any)
	entity := &models.Entity{Type: ref.Type, ID: ref.ID, Properties: props}
	if err := s.store.CreateEntity(entity); err != nil {
		return nil, mapStoreErr(err, "entity "+ref.Type+"/"+ref.ID)
	}
	return entity, nil
}

func (s *Service) handleEntityGet(ctx context.Context, inv *router.Invocation) (any, error) {
	ref, err := entityRef(inv.Data)
	if err != nil {
		return nil, err
	}
	entity, err := s.store.GetEntity(ref)
	if err != nil {
		return nil, mapStoreErr(err, "entity "+ref.Type+"/"+ref.ID)
	}
	return entity, nil
}

func (s *Service) handleEntityUpdate(ctx context.Context, inv *router.Invocation) (any, error) {
	ref, err := entityRef(inv.Data)
	if err != nil {
		return nil, err
	}
	props, ok := inv.Data["properties"].(map[string]any)
	if !ok {
		return nil, models.NewError(models.KindInvalidArgument, "properties must be an object")
	}
	merge := true
	if m, ok := inv.Data["merge"].(bool); ok {
		merge = m
	}
	entity, err := s.store.UpdateEntity(ref, props, merge)
	if err != nil {
		return nil, mapStoreErr(err, "entity "+ref.Type+"/"+ref.ID)
	}
	return entity, nil
}

func (s *Service) handleEntityDelete(ctx context.Context, inv *router.Invocation) (any, error) {
	ref, err := entityRef(inv.Data)
	if err != nil {
		return nil, err
	}
	cascade, _ := inv.Data["cascade"].(bool)
	if err := s.store.DeleteEntity(ref, cascade); err != nil {
		return nil, mapStoreErr(err, "entity "+ref.Type+"/"+ref.ID)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Service) handleRelCreate(ctx context.Context, inv *router.Invocation) (any, error) {
	from, err := refFromValue(inv.Data["from"], "from")
	if err != nil {
		return nil, err
	}
	to, err := refFromValue(inv.Data["to"], "to")
	if err != nil {
		return nil, err
	}
	kind, _ := inv.Data["kind"].(string)
	if kind == "" {
		return nil, models.NewError(models.KindInvalidArgument, "kind is required")
	}
	owning, _ := inv.Data["owning"].(bool)
	props, _ := inv.Data["properties"].(map[string]any)

	rel := &models.Relationship{From: from, Kind: kind, To: to, Owning: owning, Properties: props}
	if err := s.store.CreateRelationship(rel); err != nil {
		if kindOf := models.KindOf(err); kindOf == models.KindInvalidArgument {
			return nil, err
		}
		return nil, mapStoreErr(err, "relationship")
	}
	return rel, nil
}

func (s *Service) handleRelDelete(ctx context.Context, inv *router.Invocation) (any, error) {
	from, err := refFromValue(inv.Data["from"], "from")
	if err != nil {
		return nil, err
	}
	to, err := refFromValue(inv.Data["to"], "to")
	if err != nil {
		return nil, err
	}
	kind, _ := inv.Data["kind"].(string)
	if err := s.store.DeleteRelationship(from, kind, to); err != nil {
		return nil, mapStoreErr(err, "relationship")
	}
	return map[string]any{"deleted": true}, nil
}

// kvNamespace prefixes caller namespaces so they cannot collide with the
// daemon's own buckets.
func kvNamespace(data map[string]any) (string, error) {
	ns, _ := data["namespace"].(string)
	if ns == "" {
		return "", models.NewError(models.KindInvalidArgument, "namespace is required")
	}
	return kvNamespacePrefix + ns, nil
}

func (s *Service) handleGet(ctx context.Context, inv *router.Invocation) (any, error) {
	ns, err := kvNamespace(inv.Data)
	if err != nil {
		return nil, err
	}
	key, _ := inv.Data["key"].(string)
	var value any
	if err := s.store.Get(ns, key, &value); err != nil {
		return nil, mapStoreErr(err, "key "+key)
	}
	return map[string]any{"key": key, "value": value}, nil
}

func (s *Service) handleSet(ctx context.Context, inv *router.Invocation) (any, error) {
	ns, err := kvNamespace(inv.Data)
	if err != nil {
		return nil, err
	}
	key, _ := inv.Data["key"].(string)
	value, ok := inv.Data["value"]
	if key == "" || !ok {
		return nil, models.NewError(models.KindInvalidArgument, "key and value are required")
	}
	if err := s.store.Set(ns, key, value); err != nil {
		return nil, mapStoreErr(err, "key "+key)
	}
	return map[string]any{"key": key, "stored": true}, nil
}

func (s *Service) handleDelete(ctx context.Context, inv *router.Invocation) (any, error) {
	ns, err := kvNamespace(inv.Data)
	if err != nil {
		return nil, err
	}
	key, _ := inv.Data["key"].(string)
	if err := s.store.Delete(ns, key); err != nil {
		return nil, mapStoreErr(err, "key "+key)
	}
	return map[string]any{"key": key, "deleted": true}, nil
}

func (s *Service) handleList(ctx context.Context, inv *router.Invocation) (any, error) {
	ns, err := kvNamespace(inv.Data)
	if err != nil {
		return nil, err
	}
	glob, _ := inv.Data["glob"].(string)
	after, _ := inv.Data["after"].(string)
	limit := intArg(inv.Data, "limit", 0)

	keys, next, err := s.store.List(ns, glob, limit, after)
	if err != nil {
		return nil, mapStoreErr(err, "namespace")
	}
	out := map[string]any{"keys": keys, "count": len(keys)}
	if next != "" {
		out["next"] = next
	}
	return out, nil
}

func (s *Service) handleTraverse(ctx context.Context, inv *router.Invocation) (any, error) {
	ref, err := entityRef(inv.Data)
	if err != nil {
		return nil, err
	}
	maxDepth := intArg(inv.Data, "max_depth", 3)
	limit := intArg(inv.Data, "limit", 1000)
	kind, _ := inv.Data["kind"].(string)

	results, truncated, err := s.store.Traverse(ref, maxDepth, kind, limit)
	if err != nil {
		return nil, mapStoreErr(err, "entity "+ref.Type+"/"+ref.ID)
	}
	return map[string]any{
		"results":   results,
		"count":     len(results),
		"truncated": truncated,
	}, nil
}

func intArg(data map[string]any, key string, def int) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
