// Package graphstore implements the graph-projection batch upsert (§3.4 "Graph
// projection", §4.5, §6.3) against Neo4j: hash-probe, then UNWIND+MERGE writes of
// nodes and relationships per data type. Wired to
// github.com/neo4j/neo4j-go-driver/v5, the idiomatic Go Neo4j driver.
package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/discogsography/ingestion/internal/batchproc"
	"github.com/discogsography/ingestion/internal/record"
)

// Label maps a data type to its node label (§3.4).
func Label(dt record.DataType) string {
	switch dt {
	case record.Artists:
		return "Artist"
	case record.Labels:
		return "Label"
	case record.Masters:
		return "Master"
	case record.Releases:
		return "Release"
	default:
		return ""
	}
}

// Store wraps a Neo4j driver and applies batches for one data type at a time.
type Store struct {
	driver neo4j.DriverWithContext
}

// New builds a Store over a live neo4j connection url with basic auth.
func New(ctx context.Context, url, user, password string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graphstore: new driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("graphstore: verify connectivity: %w", err)
	}
	return &Store{driver: driver}, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// recordPayload is the shape decoded from a batch message body before it's passed to
// the Cypher parameter maps.
type recordPayload struct {
	ID     string
	Fields map[string]any
	SHA256 string
}

func decode(body []byte) (recordPayload, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return recordPayload{}, fmt.Errorf("graphstore: decode: %w", err)
	}
	sha, _ := raw["sha256"].(string)
	id := idString(raw["id"])
	delete(raw, "sha256")
	return recordPayload{ID: id, Fields: raw, SHA256: sha}, nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Apply implements batchproc.ApplyFunc: probe stored hashes, filter unchanged records,
// then MERGE the changed ones and their relationships in one write transaction
// (§4.5 steps 2-4).
func (s *Store) Apply(ctx context.Context, dataType record.DataType, batch []batchproc.Delivery) batchproc.Outcome {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	payloads := make([]recordPayload, 0, len(batch))
	ids := make([]any, 0, len(batch))
	for _, d := range batch {
		p, err := decode(d.Body)
		if err != nil {
			continue
		}
		payloads = append(payloads, p)
		ids = append(ids, p.ID)
	}
	if len(payloads) == 0 {
		return batchproc.OutcomeAck
	}

	label := Label(dataType)
	current, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (map[string]string, error) {
		result, err := tx.Run(ctx, fmt.Sprintf(
			`UNWIND $ids AS id OPTIONAL MATCH (n:%s {id:id}) RETURN id, n.sha256 AS sha256`, label),
			map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		out := make(map[string]string)
		for result.Next(ctx) {
			rec := result.Record()
			id, _ := rec.Get("id")
			sha, _ := rec.Get("sha256")
			shaStr, _ := sha.(string)
			out[fmt.Sprintf("%v", id)] = shaStr
		}
		return out, result.Err()
	})
	if err != nil {
		if isTransientNeo4jError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}

	var changed []recordPayload
	for _, p := range payloads {
		if current[p.ID] != p.SHA256 {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		return batchproc.OutcomeAck
	}

	_, err = neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		records := make([]map[string]any, len(changed))
		for i, p := range changed {
			props := map[string]any{"id": p.ID, "sha256": p.SHA256}
			for k, v := range p.Fields {
				if k == "id" {
					continue
				}
				props[k] = v
			}
			records[i] = props
		}
		if _, err := tx.Run(ctx, fmt.Sprintf(
			`UNWIND $records AS r MERGE (n:%s {id:r.id}) SET n += r`, label),
			map[string]any{"records": records}); err != nil {
			return nil, err
		}
		return nil, applyRelationships(ctx, tx, dataType, changed)
	})
	if err != nil {
		if isTransientNeo4jError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}
	return batchproc.OutcomeAck
}

// applyRelationships builds the edge tuples relevant to dataType across the batch and
// UNWIND+MERGEs each relationship type (§3.4, §4.5 step 4).
func applyRelationships(ctx context.Context, tx neo4j.ManagedTransaction, dataType record.DataType, batch []recordPayload) error {
	switch dataType {
	case record.Artists:
		var memberOf, aliasOf []map[string]any
		for _, p := range batch {
			for _, memberID := range stringsOf(p.Fields["member_of_id"]) {
				memberOf = append(memberOf, map[string]any{"from": p.ID, "to": memberID})
			}
			for _, aliasID := range stringsOf(p.Fields["alias_id"]) {
				aliasOf = append(aliasOf, map[string]any{"from": p.ID, "to": aliasID})
			}
		}
		if err := unwindMerge(ctx, tx, memberOf, `UNWIND $edges AS e MATCH (a:Artist {id:e.from}) MERGE (b:Artist {id:e.to}) MERGE (a)-[:MEMBER_OF]->(b)`); err != nil {
			return err
		}
		return unwindMerge(ctx, tx, aliasOf, `UNWIND $edges AS e MATCH (a:Artist {id:e.from}) MERGE (b:Artist {id:e.to}) MERGE (a)-[:ALIAS_OF]->(b)`)

	case record.Labels:
		var sublabelOf []map[string]any
		for _, p := range batch {
			for _, parentID := range stringsOf(p.Fields["parent_label_id"]) {
				sublabelOf = append(sublabelOf, map[string]any{"from": p.ID, "to": parentID})
			}
		}
		return unwindMerge(ctx, tx, sublabelOf, `UNWIND $edges AS e MATCH (a:Label {id:e.from}) MERGE (b:Label {id:e.to}) MERGE (a)-[:SUBLABEL_OF]->(b)`)

	case record.Masters, record.Releases:
		label := Label(dataType)
		var by, genre, style []map[string]any
		for _, p := range batch {
			for _, artistID := range stringsOf(p.Fields["artist_id"]) {
				by = append(by, map[string]any{"from": p.ID, "to": artistID})
			}
			for _, g := range stringsOf(p.Fields["genre"]) {
				genre = append(genre, map[string]any{"from": p.ID, "to": g})
			}
			for _, st := range stringsOf(p.Fields["style"]) {
				style = append(style, map[string]any{"from": p.ID, "to": st})
			}
		}
		if err := unwindMerge(ctx, tx, by, fmt.Sprintf(`UNWIND $edges AS e MATCH (a:%s {id:e.from}) MERGE (b:Artist {id:e.to}) MERGE (a)-[:BY]->(b)`, label)); err != nil {
			return err
		}
		if err := unwindMerge(ctx, tx, genre, fmt.Sprintf(`UNWIND $edges AS e MATCH (a:%s {id:e.from}) MERGE (g:Genre {name:e.to}) MERGE (a)-[:IS]->(g)`, label)); err != nil {
			return err
		}
		if err := unwindMerge(ctx, tx, style, fmt.Sprintf(`UNWIND $edges AS e MATCH (a:%s {id:e.from}) MERGE (s:Style {name:e.to}) MERGE (a)-[:IS]->(s)`, label)); err != nil {
			return err
		}
		if dataType == record.Releases {
			var on, derivedFrom []map[string]any
			for _, p := range batch {
				for _, labelID := range stringsOf(p.Fields["label_id"]) {
					on = append(on, map[string]any{"from": p.ID, "to": labelID})
				}
				for _, masterID := range stringsOf(p.Fields["master_id"]) {
					derivedFrom = append(derivedFrom, map[string]any{"from": p.ID, "to": masterID})
				}
			}
			if err := unwindMerge(ctx, tx, on, `UNWIND $edges AS e MATCH (a:Release {id:e.from}) MERGE (b:Label {id:e.to}) MERGE (a)-[:ON]->(b)`); err != nil {
				return err
			}
			return unwindMerge(ctx, tx, derivedFrom, `UNWIND $edges AS e MATCH (a:Release {id:e.from}) MERGE (b:Master {id:e.to}) MERGE (a)-[:DERIVED_FROM]->(b)`)
		}
	}
	return nil
}

func unwindMerge(ctx context.Context, tx neo4j.ManagedTransaction, edges []map[string]any, cypher string) error {
	if len(edges) == 0 {
		return nil
	}
	_, err := tx.Run(ctx, cypher, map[string]any{"edges": edges})
	return err
}

// stringsOf normalises a decoded JSON field that may be absent, a single string, or a
// slice of strings into a flat []string.
func stringsOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, idString(e))
		}
		return out
	default:
		return []string{idString(t)}
	}
}

func isTransientNeo4jError(err error) bool {
	// neo4j-go-driver reports these as typed errors; string matching keeps this
	// package decoupled from the driver's internal error package layout.
	msg := err.Error()
	return strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "SessionExpired")
}
