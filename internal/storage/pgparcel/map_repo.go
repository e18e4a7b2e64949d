package pgparcel

import (
	"context"

	"github.com/BearBump/ParcelNet/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) ListNodes(ctx context.Context) ([]models.Node, error) {
	rows, err := s.db.Query(ctx, `SELECT id, level, x, y FROM nodes ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select nodes")
	}
	defer rows.Close()

	var out []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.Level, &n.X, &n.Y); err != nil {
			return nil, errors.Wrap(err, "scan node")
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListEdges(ctx context.Context) ([]models.Edge, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, source, target, cost, distance, road_multiple
FROM edges
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select edges")
	}
	defer rows.Close()

	var out []models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &e.Cost, &e.Distance, &e.RoadMultiple); err != nil {
			return nil, errors.Wrap(err, "scan edge")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ReplaceMap атомарно заменяет всю карту сети. Ссылки из задач и машин на
// узлы хранятся текстом, поэтому старые идентификаторы в истории остаются.
func (s *Storage) ReplaceMap(ctx context.Context, nodes []models.Node, edges []models.Edge) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM edges`); err != nil {
		return errors.Wrap(err, "delete edges")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM nodes`); err != nil {
		return errors.Wrap(err, "delete nodes")
	}

	for _, n := range nodes {
		_, err := tx.Exec(ctx, `
INSERT INTO nodes (id, level, x, y) VALUES ($1,$2,$3,$4)
`, n.ID, n.Level, n.X, n.Y)
		if err != nil {
			return errors.Wrap(err, "insert node")
		}
	}
	for _, e := range edges {
		_, err := tx.Exec(ctx, `
INSERT INTO edges (id, source, target, cost, distance, road_multiple)
VALUES ($1,$2,$3,$4,$5,$6)
`, e.ID, e.Source, e.Target, e.Cost, e.Distance, e.RoadMultiple)
		if err != nil {
			return errors.Wrap(err, "insert edge")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
