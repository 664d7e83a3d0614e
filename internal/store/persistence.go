package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trafficeng/trafficeng/internal/database"
	"github.com/trafficeng/trafficeng/internal/geometry"
	"github.com/trafficeng/trafficeng/internal/xerrors"
	"github.com/trafficeng/trafficeng/internal/zone"
)

// Persistence is the durable, SQLite-backed copy of zone definitions. Zone
// definitions are the only part of the data model that outlives the
// process; live counters and registered-object maps are rebuilt from
// scratch on restart. The connection, pool tuning, and migration runner are
// owned by internal/database; this type only knows the zone_definitions
// schema.
type Persistence struct {
	db *database.DB
}

// OpenPersistence opens (creating if necessary) the SQLite database at
// path, applying the pragma and pool tuning from internal/database.
func OpenPersistence(path string) (*Persistence, error) {
	cfg := &database.Config{
		Path:            path,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
	db, err := database.Open(cfg)
	if err != nil {
		return nil, xerrors.New(xerrors.ConfigInvalid, "OpenPersistence", err)
	}
	return &Persistence{db: db}, nil
}

// Close closes the underlying database handle.
func (p *Persistence) Close() error {
	return p.db.Close()
}

// Migrate applies the embedded zone_definitions migration via
// internal/database's migration runner.
func (p *Persistence) Migrate(ctx context.Context) error {
	if err := database.NewMigrator(p.db).Run(ctx); err != nil {
		return xerrors.New(xerrors.ConfigInvalid, "Persistence.Migrate", err)
	}
	return nil
}

type skeletonRow struct {
	Pixel geometry.Point `json:"pixel"`
	World geometry.Point `json:"world"`
}

// SaveZones replaces the entire zone_definitions table with zones, in one
// transaction, mirroring the REST save_toml operation's all-or-nothing
// semantics.
func (p *Persistence) SaveZones(ctx context.Context, zones []*zone.Zone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.New(xerrors.ConfigInvalid, "Persistence.SaveZones", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM zone_definitions`); err != nil {
		return xerrors.New(xerrors.ConfigInvalid, "Persistence.SaveZones", err)
	}

	for _, z := range zones {
		pixelJSON, err := json.Marshal(z.PixelCoordinates)
		if err != nil {
			return xerrors.New(xerrors.ZoneInvalid, "Persistence.SaveZones", err)
		}
		spatialJSON, err := json.Marshal(z.SpatialCoordinates)
		if err != nil {
			return xerrors.New(xerrors.ZoneInvalid, "Persistence.SaveZones", err)
		}

		skeleton := make([]skeletonRow, len(z.Skeleton))
		for i, sp := range z.Skeleton {
			skeleton[i] = skeletonRow{Pixel: sp.Pixel, World: sp.World}
		}
		skeletonJSON, err := json.Marshal(skeleton)
		if err != nil {
			return xerrors.New(xerrors.ZoneInvalid, "Persistence.SaveZones", err)
		}

		classes := make([]string, 0, len(z.TargetClasses))
		for c := range z.TargetClasses {
			classes = append(classes, c)
		}
		classesJSON, err := json.Marshal(classes)
		if err != nil {
			return xerrors.New(xerrors.ZoneInvalid, "Persistence.SaveZones", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO zone_definitions (
				id, lane_number, lane_direction, color_b, color_g, color_r,
				pixel_coordinates_json, spatial_coordinates_json, skeleton_json, target_classes_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			z.ID, z.LaneNumber, z.LaneDirection, z.Color.B, z.Color.G, z.Color.R,
			string(pixelJSON), string(spatialJSON), string(skeletonJSON), string(classesJSON),
		)
		if err != nil {
			return xerrors.New(xerrors.ZoneInvalid, "Persistence.SaveZones", fmt.Errorf("zone %s: %w", z.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.New(xerrors.ConfigInvalid, "Persistence.SaveZones", err)
	}
	return nil
}

// LoadZones reads every persisted zone definition back into Configs ready
// for zone.New.
func (p *Persistence) LoadZones(ctx context.Context) ([]zone.Config, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, lane_number, lane_direction, color_b, color_g, color_r,
		       pixel_coordinates_json, spatial_coordinates_json, skeleton_json, target_classes_json
		FROM zone_definitions ORDER BY id`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.New(xerrors.ConfigInvalid, "Persistence.LoadZones", err)
	}
	defer rows.Close()

	var out []zone.Config
	for rows.Next() {
		var cfg zone.Config
		var pixelJSON, spatialJSON, skeletonJSON, classesJSON string
		if err := rows.Scan(&cfg.ID, &cfg.LaneNumber, &cfg.LaneDirection,
			&cfg.Color.B, &cfg.Color.G, &cfg.Color.R,
			&pixelJSON, &spatialJSON, &skeletonJSON, &classesJSON); err != nil {
			return nil, xerrors.New(xerrors.ConfigInvalid, "Persistence.LoadZones", err)
		}

		if err := json.Unmarshal([]byte(pixelJSON), &cfg.PixelCoordinates); err != nil {
			return nil, xerrors.New(xerrors.ZoneInvalid, "Persistence.LoadZones", err)
		}
		if err := json.Unmarshal([]byte(spatialJSON), &cfg.SpatialCoordinates); err != nil {
			return nil, xerrors.New(xerrors.ZoneInvalid, "Persistence.LoadZones", err)
		}

		var skeleton []skeletonRow
		if err := json.Unmarshal([]byte(skeletonJSON), &skeleton); err != nil {
			return nil, xerrors.New(xerrors.ZoneInvalid, "Persistence.LoadZones", err)
		}
		cfg.Skeleton = make([]zone.SkeletonPoint, len(skeleton))
		for i, sp := range skeleton {
			cfg.Skeleton[i] = zone.SkeletonPoint{Pixel: sp.Pixel, World: sp.World}
		}

		var classes []string
		if err := json.Unmarshal([]byte(classesJSON), &classes); err != nil {
			return nil, xerrors.New(xerrors.ZoneInvalid, "Persistence.LoadZones", err)
		}
		cfg.TargetClasses = classes

		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.New(xerrors.ConfigInvalid, "Persistence.LoadZones", err)
	}
	return out, nil
}
