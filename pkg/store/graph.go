package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ksi-project/ksi/pkg/models"
)

// Direction selects which edges Neighbors follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// entityKey is type/id inside the entities bucket.
func entityKey(ref models.EntityRef) []byte {
	return []byte(ref.Type + "/" + ref.ID)
}

// edgeKey is from-type/from-id/kind/to-type/to-id. The edges_in mirror uses
// the same layout with from and to swapped so prefix scans work both ways.
func edgeKey(from models.EntityRef, kind string, to models.EntityRef) []byte {
	return []byte(from.Type + "/" + from.ID + "/" + kind + "/" + to.Type + "/" + to.ID)
}

func edgePrefix(ref models.EntityRef, kind string) []byte {
	p := ref.Type + "/" + ref.ID + "/"
	if kind != "" {
		p += kind + "/"
	}
	return []byte(p)
}

// CreateEntity stores a new entity. Returns ErrConflict when (type, id)
// already exists.
func (s *Store) CreateEntity(entity *models.Entity) error {
	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	if entity.Properties == nil {
		entity.Properties = map[string]any{}
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity %s/%s: %w", entity.Type, entity.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		key := entityKey(entity.Ref())
		if b.Get(key) != nil {
			return fmt.Errorf("entity %s/%s already exists: %w", entity.Type, entity.ID, ErrConflict)
		}
		return b.Put(key, data)
	})
}

// GetEntity loads an entity by (type, id).
func (s *Store) GetEntity(ref models.EntityRef) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntities).Get(entityKey(ref))
		if data == nil {
			return fmt.Errorf("entity %s/%s: %w", ref.Type, ref.ID, ErrNotFound)
		}
		return json.Unmarshal(data, &entity)
	})
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// UpdateEntity mutates an entity's properties. With merge=true incoming
// properties are merged over the existing ones (nil values delete keys);
// otherwise the property bag is replaced wholesale.
func (s *Store) UpdateEntity(ref models.EntityRef, properties map[string]any, merge bool) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		key := entityKey(ref)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("entity %s/%s: %w", ref.Type, ref.ID, ErrNotFound)
		}
		if err := json.Unmarshal(data, &entity); err != nil {
			return err
		}
		if merge {
			for k, v := range properties {
				if v == nil {
					delete(entity.Properties, k)
				} else {
					entity.Properties[k] = v
				}
			}
		} else {
			entity.Properties = properties
		}
		entity.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&entity)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// DeleteEntity removes an entity and every edge touching it. With
// cascade=true, entities reachable over owning edges (the owns kind, or any
// edge marked owning) are deleted recursively.
func (s *Store) DeleteEntity(ref models.EntityRef, cascade bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		visited := map[string]bool{}
		return deleteEntityTx(tx, ref, cascade, visited)
	})
}

func deleteEntityTx(tx *bolt.Tx, ref models.EntityRef, cascade bool, visited map[string]bool) error {
	key := string(entityKey(ref))
	if visited[key] {
		return nil
	}
	visited[key] = true

	entities := tx.Bucket(bucketEntities)
	if entities.Get([]byte(key)) == nil {
		return fmt.Errorf("entity %s/%s: %w", ref.Type, ref.ID, ErrNotFound)
	}

	// Collect outgoing edges first; cascade targets are resolved before any
	// edges are deleted.
	var owned []models.EntityRef
	var outKeys, inKeys [][]byte

	out := tx.Bucket(bucketEdgesOut)
	c := out.Cursor()
	prefix := edgePrefix(ref, "")
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rel models.Relationship
		if err := json.Unmarshal(v, &rel); err != nil {
			return err
		}
		outKeys = append(outKeys, append([]byte(nil), k...))
		if cascade && (rel.Owning || rel.Kind == models.KindOwns) {
			owned = append(owned, rel.To)
		}
	}

	in := tx.Bucket(bucketEdgesIn)
	c = in.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rel models.Relationship
		if err := json.Unmarshal(v, &rel); err != nil {
			return err
		}
		inKeys = append(inKeys, append([]byte(nil), k...))
		// Remove the mirror entry on the from side as well.
		outKeys = append(outKeys, edgeKey(rel.From, rel.Kind, rel.To))
	}
	for _, k := range outKeys {
		var rel models.Relationship
		if v := out.Get(k); v != nil {
			if err := json.Unmarshal(v, &rel); err != nil {
				return err
			}
			inKeys = append(inKeys, edgeKey(rel.To, rel.Kind, rel.From))
		}
		if err := out.Delete(k); err != nil {
			return err
		}
	}
	for _, k := range inKeys {
		if err := in.Delete(k); err != nil {
			return err
		}
	}

	if err := entities.Delete([]byte(key)); err != nil {
		return err
	}

	for _, child := range owned {
		if err := deleteEntityTx(tx, child, true, visited); err != nil {
			// A cascade target already deleted through another edge is fine.
			if !IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

// CreateRelationship stores a directed edge. Both endpoints must exist.
// parent_of edges reject self-loops and enforce the forest invariant: a
// child has at most one parent.
func (s *Store) CreateRelationship(rel *models.Relationship) error {
	if rel.Kind == models.KindParentOf && rel.From == rel.To {
		return fmt.Errorf("parent_of self-loop on %s/%s: %w", rel.From.Type, rel.From.ID, ErrConflict)
	}
	rel.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshaling relationship: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		if entities.Get(entityKey(rel.From)) == nil {
			return fmt.Errorf("entity %s/%s: %w", rel.From.Type, rel.From.ID, ErrNotFound)
		}
		if entities.Get(entityKey(rel.To)) == nil {
			return fmt.Errorf("entity %s/%s: %w", rel.To.Type, rel.To.ID, ErrNotFound)
		}

		out := tx.Bucket(bucketEdgesOut)
		in := tx.Bucket(bucketEdgesIn)
		key := edgeKey(rel.From, rel.Kind, rel.To)
		if out.Get(key) != nil {
			return fmt.Errorf("relationship already exists: %w", ErrConflict)
		}

		if rel.Kind == models.KindParentOf {
			// Forest check: the child must not already have a parent.
			prefix := edgePrefix(rel.To, models.KindParentOf)
			if k, _ := in.Cursor().Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
				return fmt.Errorf("entity %s/%s already has a parent: %w", rel.To.Type, rel.To.ID, ErrConflict)
			}
		}

		if err := out.Put(key, data); err != nil {
			return err
		}
		return in.Put(edgeKey(rel.To, rel.Kind, rel.From), data)
	})
}

// DeleteRelationship removes one edge (and its reverse mirror).
func (s *Store) DeleteRelationship(from models.EntityRef, kind string, to models.EntityRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		out := tx.Bucket(bucketEdgesOut)
		key := edgeKey(from, kind, to)
		if out.Get(key) == nil {
			return fmt.Errorf("relationship %s -%s-> %s: %w", from.ID, kind, to.ID, ErrNotFound)
		}
		if err := out.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketEdgesIn).Delete(edgeKey(to, kind, from))
	})
}

// Neighbors returns up to limit relationships touching ref, optionally
// filtered by kind and direction. limit <= 0 means no bound.
func (s *Store) Neighbors(ref models.EntityRef, kind string, direction Direction, limit int) ([]models.Relationship, error) {
	var rels []models.Relationship
	collect := func(bucket []byte) func(tx *bolt.Tx) error {
		return func(tx *bolt.Tx) error {
			c := tx.Bucket(bucket).Cursor()
			prefix := edgePrefix(ref, kind)
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				if limit > 0 && len(rels) >= limit {
					return nil
				}
				var rel models.Relationship
				if err := json.Unmarshal(v, &rel); err != nil {
					return err
				}
				rels = append(rels, rel)
			}
			return nil
		}
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if direction == DirectionOut || direction == DirectionBoth {
			if err := collect(bucketEdgesOut)(tx); err != nil {
				return err
			}
		}
		if direction == DirectionIn || direction == DirectionBoth {
			if err := collect(bucketEdgesIn)(tx); err != nil {
				return err
			}
		}
		return nil
	})
	return rels, err
}

// TraverseResult is one BFS step: the entity reached and its depth from the
// start node.
type TraverseResult struct {
	Ref   models.EntityRef `json:"ref"`
	Depth int              `json:"depth"`
}

// Traverse walks the graph breadth-first from start over outgoing edges,
// optionally restricted to one kind. maxDepth and limit bound the work;
// truncated reports whether the limit cut the walk short. The visited set
// makes cycles safe.
func (s *Store) Traverse(start models.EntityRef, maxDepth int, kindFilter string, limit int) (results []TraverseResult, truncated bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntities).Get(entityKey(start)) == nil {
			return fmt.Errorf("entity %s/%s: %w", start.Type, start.ID, ErrNotFound)
		}

		out := tx.Bucket(bucketEdgesOut)
		visited := map[models.EntityRef]bool{start: true}
		frontier := []TraverseResult{{Ref: start, Depth: 0}}

		for len(frontier) > 0 {
			node := frontier[0]
			frontier = frontier[1:]

			if limit > 0 && len(results) >= limit {
				truncated = true
				return nil
			}
			results = append(results, node)

			if maxDepth >= 0 && node.Depth >= maxDepth {
				continue
			}
			c := out.Cursor()
			prefix := edgePrefix(node.Ref, kindFilter)
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				var rel models.Relationship
				if err := json.Unmarshal(v, &rel); err != nil {
					return err
				}
				if visited[rel.To] {
					continue
				}
				visited[rel.To] = true
				frontier = append(frontier, TraverseResult{Ref: rel.To, Depth: node.Depth + 1})
			}
		}
		return nil
	})
	return results, truncated, err
}

// ListEntities returns all entities of one type, up to limit (<= 0 unbounded).
func (s *Store) ListEntities(entityType string, limit int) ([]*models.Entity, error) {
	var entities []*models.Entity
	prefix := []byte(entityType + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntities).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if limit > 0 && len(entities) >= limit {
				return nil
			}
			var entity models.Entity
			if err := json.Unmarshal(v, &entity); err != nil {
				return err
			}
			entities = append(entities, &entity)
		}
		return nil
	})
	return entities, err
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
